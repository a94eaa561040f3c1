package voxman

// FaultHandler is called when the cache detects a broken internal invariant,
// such as releasing a chunk hold twice. After a fault the cache state is
// undefined.
//
// The default handler logs the fault at error level and panics with it.
// A handler that returns lets the failing call return the *FaultError.
type FaultHandler func(err *FaultError)

func defaultFaultHandler(l *Logger) FaultHandler {
	return func(err *FaultError) {
		l.Error("unrecoverable fault", "op", err.Op, "error", err)
		panic(err)
	}
}

func (m *Manager) fault(op string, cause error) error {
	err := &FaultError{Op: op, cause: cause}
	m.opts.faultHandler(err)
	return err
}
