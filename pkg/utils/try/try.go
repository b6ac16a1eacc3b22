// Package try shortens handling of (value, error) pairs where failure is fatal,
// like in tests and at startup of commands.
package try

// Fataler is something having method `Fatal`, like *testing.T or *log.Logger.
type Fataler interface {
	Fatal(...any)
}

// Either is a pair of (T, error).
//
// When error is nil, it is "ok" and T is valid. Otherwise, T is not valid.
type Either[T any] interface {
	Get() (T, error)

	// OrFatal returns the value if ok. Otherwise, it calls ftl.Fatal(err).
	//
	// If ftl has "Helper()" method (like *testing.T), it is called before Fatal.
	OrFatal(ftl Fataler) T
}

// To pairs up results of a function.
//
//	experiment := try.To(orch.Create(ctx, config)).OrFatal(t)
func To[T any](ok T, ng error) Either[T] {
	return either[T]{value: ok, err: ng}
}

type either[T any] struct {
	value T
	err   error
}

func (e either[T]) Get() (T, error) {
	if e.err != nil {
		return *new(T), e.err
	}
	return e.value, nil
}

func (e either[T]) OrFatal(ftl Fataler) T {
	if e.err == nil {
		return e.value
	}
	if hlp, ok := ftl.(interface{ Helper() }); ok {
		hlp.Helper()
	}
	ftl.Fatal(e.err)
	return *new(T)
}
