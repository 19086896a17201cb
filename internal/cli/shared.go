// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tombee/tabconductor/internal/config"
	"github.com/tombee/tabconductor/internal/rpcclient"
	"github.com/tombee/tabconductor/pkg/rrerror"
)

// Global flag values, set by the root command and read by every
// subcommand through the Get* accessors below.
var (
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool
	configFlag  string

	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to the global flag variables for
// the root command to bind --verbose/--quiet/--json/--config to.
func RegisterFlagPointers() (*bool, *bool, *bool, *string) {
	return &verboseFlag, &quietFlag, &jsonFlag, &configFlag
}

// SetVersion records the build-time version metadata main() received
// via ldflags, for the version command and JSON help output to read back.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the version metadata set by SetVersion.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose reports whether --verbose was passed.
func GetVerbose() bool { return verboseFlag }

// GetQuiet reports whether --quiet was passed.
func GetQuiet() bool { return quietFlag }

// GetJSON reports whether --json was passed.
func GetJSON() bool { return jsonFlag }

// GetConfigPath returns the --config flag value, empty if unset.
func GetConfigPath() string { return configFlag }

// JSONResponse is the envelope every --json command output embeds.
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// ExitError carries the process exit code a command's failure should
// produce, alongside the human-readable message HandleExitError prints.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// exitCodeForRRError maps an rrerror.Code to a process exit code,
// matching the convention that 1 means "ran but failed" and everything
// above it narrows down why.
func exitCodeForRRError(code rrerror.Code) int {
	switch code {
	case rrerror.CodeValidation, rrerror.CodeUnsupportedNode, rrerror.CodeDAGInvalid, rrerror.CodeDAGCycle, rrerror.CodeDAGExecutionFailed:
		return 2
	case rrerror.CodeNotFound:
		return 3
	case rrerror.CodeTimeout:
		return 4
	case rrerror.CodeControl, rrerror.CodeRunCanceled, rrerror.CodeRunPaused:
		return 5
	default:
		return 1
	}
}

// addrFlag and tokenFlag let --addr/--auth-token override the values a
// subcommand would otherwise read from the config file and environment.
var (
	addrFlag  string
	tokenFlag string
)

// RegisterConnectionFlagPointers returns pointers to the --addr and
// --auth-token flags every daemon-talking subcommand binds.
func RegisterConnectionFlagPointers() (*string, *string) {
	return &addrFlag, &tokenFlag
}

// Connect dials the tabconductord instance named by --addr (falling back
// to the loaded config's listen.tcp_addr, then 127.0.0.1:9876) using
// --auth-token (falling back to TABCONDUCTOR_AUTH_TOKEN, then the config
// file's auth.token).
func Connect(ctx context.Context) (*rpcclient.Client, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	addr := addrFlag
	if addr == "" {
		addr = cfg.Listen.TCPAddr
	}
	if addr == "" {
		addr = "127.0.0.1:9876"
	}

	token := tokenFlag
	if token == "" {
		token = os.Getenv("TABCONDUCTOR_AUTH_TOKEN")
	}
	if token == "" {
		token = cfg.Auth.Token
	}

	client, err := rpcclient.Dial(ctx, addr, token)
	if err != nil {
		return nil, &ExitError{Code: 5, Message: fmt.Sprintf("could not reach tabconductord at %s", addr), Cause: err}
	}
	return client, nil
}

// HandleExitError prints err to stderr and exits with the code an
// *ExitError carries, or one derived from an *rrerror.RRError's Code,
// or 1 for anything else. A nil err is a no-op.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(exitCodeForRRError(rrerror.CodeOf(err)))
}
