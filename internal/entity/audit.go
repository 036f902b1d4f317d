package entity

import (
	"io"
	"log"
)

// AuditWriter feeds one line per mutating operation (transaction id,
// operation and key; stored values are not recorded) to an io.Writer
// sink when configured, the way dbm/crash/main.go logs every
// crash-test mutation through log.Logger over a syslog writer. Reusing
// the standard logger over whatever sink Options supplies avoids
// re-deriving a bespoke log format for something this thin.
type AuditWriter struct {
	logger *log.Logger
}

// NewAuditWriter wraps w, or returns nil (a valid, no-op *AuditWriter)
// when w is nil.
func NewAuditWriter(w io.Writer) *AuditWriter {
	if w == nil {
		return nil
	}
	return &AuditWriter{logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

func (a *AuditWriter) log(tid byte, op string, key []byte) {
	if a == nil {
		return
	}
	a.logger.Printf("tid=%d op=%s key=%q", tid, op, key)
}

// LogTxn records a begin/commit/rollback, which carries no key.
func (a *AuditWriter) LogTxn(tid byte, op string) {
	if a == nil {
		return
	}
	a.logger.Printf("tid=%d op=%s", tid, op)
}
