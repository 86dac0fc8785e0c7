package parser

import (
	"errors"
	"fmt"
)

// MalformedRecordError marks a record-level defect: a missing required
// attribute, an unparsable value, or an unresolvable timestamp. It is
// counted and skipped, never fatal to a run.
type MalformedRecordError struct {
	Type   string
	Seq    int64
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record (seq %d): %s", e.Type, e.Seq, e.Reason)
}

// IsMalformed returns true if the error chain contains a MalformedRecordError.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}
