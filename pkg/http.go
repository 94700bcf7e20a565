package pkg

type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "miniserver context value " + k.name
}

// maxInt64 is the effective "infinite" value for the server's
// byte-limiting readers.
const maxInt64 = 1<<63 - 1
