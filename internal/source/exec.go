// CLI subprocess runner for the docker/nerdctl engines: builds argv,
// streams stdout to a caller-supplied writer, and captures stderr so a
// failing subprocess's own diagnostic output rides along with the error.
package source

import (
	"bytes"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// cliError carries the captured argv and stderr of a failed subprocess so
// the final error message preserves full command context.
type cliError struct {
	cli    string
	argv   []string
	stderr string
	cause  error
}

func (e *cliError) Error() string {
	msg := e.cli + " " + strings.Join(e.argv, " ")
	if e.stderr != "" {
		msg += ": " + e.stderr
	} else {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *cliError) Unwrap() error { return e.cause }

// runCapturingStdout runs `cli argv...`, streaming stdout into w, and
// returns a *cliError (with captured stderr) on failure.
func runCapturingStdout(cli string, argv []string, w io.Writer) error {
	cmd := exec.Command(cli, argv...)
	cmd.Stdout = w
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return errors.WithStack(&cliError{
			cli:    cli,
			argv:   argv,
			stderr: strings.TrimSpace(stderr.String()),
			cause:  err,
		})
	}
	return nil
}
