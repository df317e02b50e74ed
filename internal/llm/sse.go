package llm

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// doneSentinel terminates OpenAI-style event streams.
const doneSentinel = "[DONE]"

// ReadSSE reads Server-Sent-Events style "data: {...}" frames from r and calls
// fn with each payload in order. Multi-line data fields are joined with "\n".
// Reading stops at the [DONE] sentinel, at EOF, when fn returns stop=true, or
// when ctx is cancelled.
func ReadSSE(ctx context.Context, r io.Reader, fn func(data string) (stop bool, err error)) error {
	reader := bufio.NewReader(r)
	var data []string

	dispatch := func() (bool, error) {
		if len(data) == 0 {
			return false, nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		if payload == doneSentinel {
			return true, nil
		}
		return fn(payload)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		eof := err == io.EOF

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if stop, ferr := dispatch(); ferr != nil || stop {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}

		if eof {
			_, ferr := dispatch()
			return ferr
		}
	}
}
