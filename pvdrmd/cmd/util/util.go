// Copyright 2026 The pvdrm Authors.
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

// Package util groups helpers shared by pvdrmd commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
)

// ErrorLogger is where error messages are written in addition to the debug
// log. It may be nil.
var ErrorLogger io.Writer

// Infof writes a message to the log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Printf(format+"\n", args...)
}

// Errorf logs an error to the log, stderr and ErrorLogger. It returns
// subcommands.ExitFailure so that Execute methods can return it directly:
//
//	return util.Errorf("opening device: %v", err)
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	msg := fmt.Sprintf(format+"\n", args...)
	fmt.Fprint(os.Stderr, msg)
	if ErrorLogger != nil {
		_, _ = io.WriteString(ErrorLogger, msg)
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way Errorf does and exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}
