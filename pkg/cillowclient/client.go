// Package cillowclient is a Go client SDK for the broker, the
// counterpart of cillow's client.py: it dials the broker's websocket
// endpoint as a fixed identity and drives the same request/response
// protocol the broker's front-end expects, one request at a time.
package cillowclient

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/synacktraa/cillow/internal/wire"
)

// Execution is the accumulated result of a RunCode call: every streamed
// frame plus the terminal result or exception, matching client.py's
// run_code() return value.
type Execution struct {
	Result        *wire.ResultFrame
	Streams       []*wire.StreamFrame
	ByteStreams   []*wire.ByteStreamFrame
	ExceptionInfo *wire.ExceptionInfoFrame
}

// RequestError wraps a request_exception frame's message.
type RequestError struct{ Message string }

func (e *RequestError) Error() string { return e.Message }

// Client is a connected cillow client.
type Client struct {
	id  string
	ws  *websocket.Conn
	mu  sync.Mutex // serializes requests: one in flight at a time
	rmu sync.Mutex // serializes writes to ws

	currentEnvironment wire.Environment
	defaultEnvironment wire.Environment
}

// Dial connects to the broker at addr (host:port) as clientID, switching
// to environment as the initial interpreter.
func Dial(addr, clientID string, environment wire.Environment) (*Client, error) {
	if environment == "" {
		environment = wire.SystemEnvironment
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/v1/connect"}
	header := http.Header{}
	header.Set("X-Cillow-Client-Id", clientID)

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	c := &Client{id: clientID, ws: ws}
	if err := c.SwitchInterpreter(environment); err != nil {
		ws.Close()
		return nil, err
	}
	return c, nil
}

// New connects to the broker as a new, randomly identified client.
func New(addr string, environment wire.Environment) (*Client, error) {
	return Dial(addr, uuid.NewString(), environment)
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// DefaultEnvironment returns the client's default environment, fetching
// it from the broker on first access.
func (c *Client) DefaultEnvironment() (wire.Environment, error) {
	if c.defaultEnvironment == "" {
		body, err := c.requestValue(wire.Request{Kind: wire.KindGetEnvironment, GetEnvironment: &wire.GetEnvironmentRequest{Query: wire.QueryDefault}})
		if err != nil {
			return "", err
		}
		c.defaultEnvironment = wire.Environment(streamText(body))
	}
	return c.defaultEnvironment, nil
}

// CurrentEnvironment returns the environment the client's interpreter is
// presently bound to.
func (c *Client) CurrentEnvironment() (wire.Environment, error) {
	if c.currentEnvironment == "" {
		body, err := c.requestValue(wire.Request{Kind: wire.KindGetEnvironment, GetEnvironment: &wire.GetEnvironmentRequest{Query: wire.QueryCurrent}})
		if err != nil {
			return "", err
		}
		c.currentEnvironment = wire.Environment(streamText(body))
	}
	return c.currentEnvironment, nil
}

// AllEnvironments returns every environment the client currently has a
// live worker for, as a JSON array.
func (c *Client) AllEnvironments() ([]byte, error) {
	body, err := c.requestValue(wire.Request{Kind: wire.KindGetEnvironment, GetEnvironment: &wire.GetEnvironmentRequest{Query: wire.QueryAll}})
	if err != nil {
		return nil, err
	}
	if body != nil && body.Result != nil {
		return body.Result.Value, nil
	}
	return nil, nil
}

// SwitchInterpreter switches to environment, starting a worker for it if
// none exists yet.
func (c *Client) SwitchInterpreter(environment wire.Environment) error {
	body, err := c.requestValue(wire.Request{Kind: wire.KindModifyInterpreter, ModifyInterpreter: &wire.ModifyInterpreterRequest{Environment: environment, Mode: wire.ModeSwitch}})
	if err != nil {
		return err
	}
	c.currentEnvironment = wire.Environment(streamText(body))
	return nil
}

// DeleteInterpreter stops the worker for environment and switches back
// to the default environment.
func (c *Client) DeleteInterpreter(environment wire.Environment) error {
	body, err := c.requestValue(wire.Request{Kind: wire.KindModifyInterpreter, ModifyInterpreter: &wire.ModifyInterpreterRequest{Environment: environment, Mode: wire.ModeDelete}})
	if err != nil {
		return err
	}
	c.currentEnvironment = wire.Environment(streamText(body))
	return nil
}

// SetEnvironmentVariables merges vars into the current worker's process
// environment.
func (c *Client) SetEnvironmentVariables(vars map[string]string) error {
	_, err := c.requestStream(wire.Request{Kind: wire.KindSetEnvironmentVariables, SetEnvironmentVariables: &wire.SetEnvironmentVariablesRequest{Variables: vars}}, nil)
	return err
}

// RunCommand runs argv as a child process of the current worker,
// invoking onStream for every line of output.
func (c *Client) RunCommand(argv []string, onStream func(*wire.StreamFrame)) error {
	_, err := c.requestStream(wire.Request{Kind: wire.KindRunCommand, RunCommand: &wire.RunCommandRequest{Argv: argv}}, func(f wire.ResponseFrame) {
		if f.Stream != nil && onStream != nil {
			onStream(f.Stream)
		}
	})
	return err
}

// InstallRequirements installs packages into the current worker's
// environment, invoking onStream for every line of installer output.
func (c *Client) InstallRequirements(requirements []string, onStream func(*wire.StreamFrame)) error {
	_, err := c.requestStream(wire.Request{Kind: wire.KindInstallRequirements, InstallRequirements: &wire.InstallRequirementsRequest{Requirements: requirements}}, func(f wire.ResponseFrame) {
		if f.Stream != nil && onStream != nil {
			onStream(f.Stream)
		}
	})
	return err
}

// RunCode evaluates code in the current worker, accumulating every
// streamed frame into the returned Execution.
func (c *Client) RunCode(code string) (Execution, error) {
	var exec Execution
	_, err := c.requestStream(wire.Request{Kind: wire.KindRunCode, RunCode: &wire.RunCodeRequest{Code: code}}, func(f wire.ResponseFrame) {
		switch f.Kind {
		case wire.KindResult:
			exec.Result = f.Result
		case wire.KindExceptionInfo:
			exec.ExceptionInfo = f.ExceptionInfo
		case wire.KindStream:
			exec.Streams = append(exec.Streams, f.Stream)
		case wire.KindByteStream:
			exec.ByteStreams = append(exec.ByteStreams, f.ByteStream)
		}
	})
	return exec, err
}

// Disconnect tells the broker to remove this client and closes the
// connection. Do not reuse the Client afterward.
func (c *Client) Disconnect() error {
	_, err := c.requestStream(wire.Request{Kind: wire.KindDisconnect, Disconnect: &wire.DisconnectRequest{}}, nil)
	c.ws.Close()
	return err
}

// requestValue sends req and returns the request_done frame's body.
func (c *Client) requestValue(req wire.Request) (*wire.ResponseFrame, error) {
	return c.requestStream(req, nil)
}

// requestStream sends req, invoking onFrame for every intermediate
// "interpreter" frame, and returns the terminal request_done body.
func (c *Client) requestStream(req wire.Request, onFrame func(wire.ResponseFrame)) (*wire.ResponseFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := wire.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	data, err := wire.EncodeEnvelope([]byte(c.id), nil, payload)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	c.rmu.Lock()
	err = c.ws.WriteMessage(websocket.BinaryMessage, data)
	c.rmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		if len(env.Parts) != 4 {
			return nil, fmt.Errorf("malformed response: expected 4 frames, got %d", len(env.Parts))
		}

		tag := wire.Tag(env.Parts[2])
		body := env.Parts[3]

		switch tag {
		case wire.TagRequestDone:
			if len(body) == 0 {
				return nil, nil
			}
			frame, err := wire.DecodeResponseFrame(body)
			if err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			return &frame, nil

		case wire.TagRequestException:
			if len(body) == 0 {
				return nil, &RequestError{Message: "request failed"}
			}
			return nil, &RequestError{Message: string(body)}

		case wire.TagInterpreter:
			frame, err := wire.DecodeResponseFrame(body)
			if err != nil {
				return nil, fmt.Errorf("decode interpreter frame: %w", err)
			}
			if onFrame != nil {
				onFrame(frame)
			}
		}
	}
}

func streamText(frame *wire.ResponseFrame) string {
	if frame == nil {
		return ""
	}
	if frame.Stream != nil {
		return frame.Stream.Text
	}
	return ""
}

// SetTimeout mirrors request_timeout from client.py: it sets the
// underlying connection's read deadline to d from now. Writes are not
// covered, and the deadline is not renewed per request.
func (c *Client) SetTimeout(d time.Duration) {
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
}
