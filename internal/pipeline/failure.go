package pipeline

// Kind tags the terminal state a failed request ended in.
type Kind string

const (
	KindNoFile   Kind = "no_file"
	KindTooLarge Kind = "too_large"
	KindBadAuth  Kind = "bad_auth"
	KindUpstream Kind = "upstream"
	KindBusy     Kind = "busy"
	KindStorage  Kind = "storage"
	KindInternal Kind = "internal"
)

// Failure is the single error type the pipeline returns. Message is meant for callers,
// Detail is a diagnostic safe to expose, Err keeps the cause for logs.
type Failure struct {
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return string(f.Kind) + ": " + f.Err.Error()
	}
	if f.Detail != "" {
		return string(f.Kind) + ": " + f.Detail
	}
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(kind Kind, message, detail string, err error) *Failure {
	return &Failure{Kind: kind, Message: message, Detail: detail, Err: err}
}
