package main

import "errors"

// errPartial marks a run that finished but skipped rows or tables.
var errPartial = errors.New("finished with failed rows, see the log")
