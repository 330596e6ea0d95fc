package wire

// RequestKind discriminates the seven request variants on the wire.
type RequestKind string

const (
	KindGetEnvironment          RequestKind = "get_environment"
	KindModifyInterpreter       RequestKind = "modify_interpreter"
	KindSetEnvironmentVariables RequestKind = "set_environment_variables"
	KindRunCommand              RequestKind = "run_command"
	KindInstallRequirements     RequestKind = "install_requirements"
	KindRunCode                 RequestKind = "run_code"
	KindDisconnect              RequestKind = "disconnect"
)

// EnvironmentQuery selects which environment information GetEnvironment asks for.
type EnvironmentQuery string

const (
	QueryCurrent EnvironmentQuery = "current"
	QueryDefault EnvironmentQuery = "default"
	QueryAll     EnvironmentQuery = "all"
)

// InterpreterMode selects what ModifyInterpreter does with the environment.
type InterpreterMode string

const (
	ModeSwitch InterpreterMode = "switch"
	ModeDelete InterpreterMode = "delete"
)

// Request is the tagged union of the seven request variants a client may
// send. Exactly one of the typed fields is populated, matching Kind.
type Request struct {
	Kind RequestKind `msgpack:"kind"`

	GetEnvironment          *GetEnvironmentRequest          `msgpack:"get_environment,omitempty"`
	ModifyInterpreter       *ModifyInterpreterRequest       `msgpack:"modify_interpreter,omitempty"`
	SetEnvironmentVariables *SetEnvironmentVariablesRequest `msgpack:"set_environment_variables,omitempty"`
	RunCommand              *RunCommandRequest              `msgpack:"run_command,omitempty"`
	InstallRequirements     *InstallRequirementsRequest     `msgpack:"install_requirements,omitempty"`
	RunCode                 *RunCodeRequest                 `msgpack:"run_code,omitempty"`
	Disconnect              *DisconnectRequest              `msgpack:"disconnect,omitempty"`
}

// GetEnvironmentRequest asks for the client's current, default, or all
// live environments.
type GetEnvironmentRequest struct {
	Query EnvironmentQuery `msgpack:"query"`
}

// ModifyInterpreterRequest switches the client's current interpreter to
// Environment, or deletes the interpreter for Environment.
type ModifyInterpreterRequest struct {
	Environment Environment     `msgpack:"environment"`
	Mode        InterpreterMode `msgpack:"mode"`
}

// SetEnvironmentVariablesRequest merges the given variables into the
// current worker's process environment.
type SetEnvironmentVariablesRequest struct {
	Variables map[string]string `msgpack:"variables"`
}

// RunCommandRequest runs argv as a child process of the current worker.
type RunCommandRequest struct {
	Argv []string `msgpack:"argv"`
}

// InstallRequirementsRequest installs the given package requirements into
// the current worker's environment.
type InstallRequirementsRequest struct {
	Requirements []string `msgpack:"requirements"`
}

// RunCodeRequest evaluates code in the current worker's namespace.
type RunCodeRequest struct {
	Code string `msgpack:"code"`
}

// DisconnectRequest tears down the client's record and all its workers.
type DisconnectRequest struct{}

// ResponseFrameKind discriminates the four response-frame variants.
type ResponseFrameKind string

const (
	KindStream        ResponseFrameKind = "stream"
	KindByteStream    ResponseFrameKind = "byte_stream"
	KindResult        ResponseFrameKind = "result"
	KindExceptionInfo ResponseFrameKind = "exception_info"
)

// StreamKind is the sub-kind of a textual Stream frame.
type StreamKind string

const (
	StreamStdout  StreamKind = "stdout"
	StreamStderr  StreamKind = "stderr"
	StreamCmdExec StreamKind = "cmd_exec"
)

// ByteStreamKind is the sub-kind of a ByteStream frame.
type ByteStreamKind string

const (
	ByteStreamImage ByteStreamKind = "image"
	ByteStreamAudio ByteStreamKind = "audio"
	ByteStreamVideo ByteStreamKind = "video"
)

// ResponseFrame is the tagged union of frames a worker may emit while
// servicing a streaming request, terminated by the dispatcher's
// request_done/request_exception tag (see Tag).
type ResponseFrame struct {
	Kind ResponseFrameKind `msgpack:"kind"`

	Stream        *StreamFrame        `msgpack:"stream,omitempty"`
	ByteStream    *ByteStreamFrame    `msgpack:"byte_stream,omitempty"`
	Result        *ResultFrame        `msgpack:"result,omitempty"`
	ExceptionInfo *ExceptionInfoFrame `msgpack:"exception_info,omitempty"`
}

// StreamFrame carries UTF-8 textual output.
type StreamFrame struct {
	Kind StreamKind `msgpack:"kind"`
	Text string     `msgpack:"text"`
}

// ByteStreamFrame carries binary output such as rendered images.
type ByteStreamFrame struct {
	Kind  ByteStreamKind `msgpack:"kind"`
	Bytes []byte         `msgpack:"bytes"`
	ID    string         `msgpack:"id,omitempty"`
}

// ResultFrame carries the final value of an expression evaluation. Value
// is an opaque msgpack-encoded payload produced by the evaluator. The
// request_done reply to GetEnvironment{all} also uses a ResultFrame, with
// Value holding a JSON array of environment strings.
type ResultFrame struct {
	Value []byte `msgpack:"value"`
}

// ExceptionInfoFrame carries a worker-raised exception.
type ExceptionInfoFrame struct {
	TypeName string `msgpack:"type_name"`
	Message  string `msgpack:"message"`
	Location string `msgpack:"location,omitempty"`
}

// String renders an ExceptionInfoFrame the way a client would display it.
func (e *ExceptionInfoFrame) String() string {
	s := e.TypeName + ": " + e.Message
	if e.Location != "" {
		s += "\n" + e.Location
	}
	return s
}

// Tag is one of the three message-type bytes carried in a broker-to-client
// frame.
type Tag string

const (
	TagRequestDone      Tag = "request_done"
	TagRequestException Tag = "request_exception"
	TagInterpreter      Tag = "interpreter"
)
