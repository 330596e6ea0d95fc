package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		req  Request
	}{
		{
			name: "get_environment",
			req: Request{
				Kind:           KindGetEnvironment,
				GetEnvironment: &GetEnvironmentRequest{Query: QueryAll},
			},
		},
		{
			name: "modify_interpreter",
			req: Request{
				Kind:              KindModifyInterpreter,
				ModifyInterpreter: &ModifyInterpreterRequest{Environment: SystemEnvironment, Mode: ModeSwitch},
			},
		},
		{
			name: "set_environment_variables",
			req: Request{
				Kind: KindSetEnvironmentVariables,
				SetEnvironmentVariables: &SetEnvironmentVariablesRequest{
					Variables: map[string]string{"PATH": "/usr/bin"},
				},
			},
		},
		{
			name: "run_command",
			req: Request{
				Kind:       KindRunCommand,
				RunCommand: &RunCommandRequest{Argv: []string{"echo", "hi"}},
			},
		},
		{
			name: "install_requirements",
			req: Request{
				Kind:                KindInstallRequirements,
				InstallRequirements: &InstallRequirementsRequest{Requirements: []string{"numpy==1.26.0"}},
			},
		},
		{
			name: "run_code",
			req: Request{
				Kind:    KindRunCode,
				RunCode: &RunCodeRequest{Code: "1 + 1"},
			},
		},
		{
			name: "disconnect",
			req: Request{
				Kind:       KindDisconnect,
				Disconnect: &DisconnectRequest{},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.req)
			require.NoError(t, err)

			got, err := DecodeRequest(data)
			require.NoError(t, err)
			assert.Equal(t, tc.req, got)
		})
	}
}

func TestDecodeRequestRejectsMalformedPayloadCount(t *testing.T) {
	malformed := Request{
		Kind:           KindGetEnvironment,
		GetEnvironment: &GetEnvironmentRequest{Query: QueryCurrent},
		RunCode:        &RunCodeRequest{Code: "noop"},
	}
	data, err := Encode(malformed)
	require.NoError(t, err)

	_, err = DecodeRequest(data)
	assert.ErrorContains(t, err, "malformed request")

	empty, err := Encode(Request{Kind: KindRunCode})
	require.NoError(t, err)
	_, err = DecodeRequest(empty)
	assert.ErrorContains(t, err, "malformed request")
}

func TestResponseFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame ResponseFrame
	}{
		{
			name:  "stream",
			frame: ResponseFrame{Kind: KindStream, Stream: &StreamFrame{Kind: StreamStdout, Text: "hello\n"}},
		},
		{
			name: "byte_stream",
			frame: ResponseFrame{
				Kind:       KindByteStream,
				ByteStream: &ByteStreamFrame{Kind: ByteStreamImage, Bytes: []byte{0xff, 0xd8}, ID: "fig-1"},
			},
		},
		{
			name:  "result",
			frame: ResponseFrame{Kind: KindResult, Result: &ResultFrame{Value: []byte{0x02}}},
		},
		{
			name: "exception_info",
			frame: ResponseFrame{
				Kind: KindExceptionInfo,
				ExceptionInfo: &ExceptionInfoFrame{
					TypeName: "ZeroDivisionError",
					Message:  "division by zero",
					Location: `File "<string>", line 1`,
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.frame)
			require.NoError(t, err)

			got, err := DecodeResponseFrame(data)
			require.NoError(t, err)
			assert.Equal(t, tc.frame, got)
		})
	}
}

func TestExceptionInfoFrameString(t *testing.T) {
	e := &ExceptionInfoFrame{TypeName: "ValueError", Message: "bad input"}
	assert.Equal(t, "ValueError: bad input", e.String())

	e.Location = "line 3"
	assert.Equal(t, "ValueError: bad input\nline 3", e.String())
}

func TestEnvelopeRoundTripAndFrameCounts(t *testing.T) {
	data, err := EncodeEnvelope([]byte("client-1"), []byte(""), []byte("payload"))
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Len(t, env.Parts, 3)
	assert.Equal(t, "client-1", string(env.Parts[0]))
	assert.Equal(t, "payload", string(env.Parts[2]))

	fourPart, err := EncodeEnvelope([]byte("client-1"), []byte(""), []byte("request_done"), []byte("body"))
	require.NoError(t, err)
	env, err = DecodeEnvelope(fourPart)
	require.NoError(t, err)
	assert.Len(t, env.Parts, 4)

	invalid, err := EncodeEnvelope([]byte("client-1"), []byte(""))
	require.NoError(t, err)
	env, err = DecodeEnvelope(invalid)
	require.NoError(t, err)
	assert.NotEqual(t, 3, len(env.Parts))
	assert.NotEqual(t, 4, len(env.Parts))
}

func TestPipeFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := Request{Kind: KindRunCode, RunCode: &RunCodeRequest{Code: "print('hi')"}}
	require.NoError(t, WriteRequest(&buf, req))

	r := bufio.NewReader(&buf)
	got, err := ReadRequest(r)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestWorkerFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	frame := ResponseFrame{Kind: KindStream, Stream: &StreamFrame{Kind: StreamStdout, Text: "hi\n"}}
	require.NoError(t, WriteWorkerFrame(&buf, frame))
	require.NoError(t, WriteWorkerCompleted(&buf))

	r := bufio.NewReader(&buf)

	got, err := ReadWorkerFrame(r)
	require.NoError(t, err)
	require.Equal(t, WorkerFrameResponse, got.Kind)
	require.NotNil(t, got.Response)
	assert.Equal(t, frame, *got.Response)

	done, err := ReadWorkerFrame(r)
	require.NoError(t, err)
	assert.Equal(t, WorkerFrameCompleted, done.Kind)
	assert.Nil(t, done.Response)
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xff, 0xff, 0xff, 0xff}
	buf.Write(header)

	_, err := ReadFrame(bufio.NewReader(&buf))
	assert.ErrorContains(t, err, "exceeds maximum")
}

func TestEnvironmentValidate(t *testing.T) {
	env, err := Environment("").Validate()
	require.NoError(t, err)
	assert.Equal(t, SystemEnvironment, env)
	assert.True(t, env.IsSystem())

	_, err = Environment("/nonexistent/path/for/testing").Validate()
	assert.ErrorIs(t, err, ErrInvalidEnvironment)
}
