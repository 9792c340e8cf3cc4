/*
Copyright 2026 The Sandboxd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package app

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/sandboxops/sandboxd/testutil"
)

func TestMainHelp(t *testing.T) {
	oldArgs := os.Args
	os.Args = []string{"sandboxd", "help"}
	defer func() { os.Args = oldArgs }()

	var output, errOutput bytes.Buffer
	err := Run(&output, &errOutput)

	testutil.CheckError(t, false, err)
	if !strings.Contains(output.String(), "sandbox containers") {
		t.Errorf("help output missing command summary: %q", output.String())
	}
}

func TestMainUnknownCommand(t *testing.T) {
	oldArgs := os.Args
	os.Args = []string{"sandboxd", "unknown"}
	defer func() { os.Args = oldArgs }()

	err := Run(io.Discard, io.Discard)

	testutil.CheckError(t, true, err)
}
