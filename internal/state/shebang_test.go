package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseShebang tests parsing the interpreter out of a backend entry
func TestParseShebang(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name            string
		fileContent     string
		wantInterpreter string
		wantErr         any
	}{
		{name: "python", fileContent: "#!/usr/bin/python3\nprint(1)\n", wantInterpreter: "/usr/bin/python3"},
		{name: "bash", fileContent: "#!/bin/bash\n", wantInterpreter: "/bin/bash"},
		{name: "env", fileContent: "#!/usr/bin/env python\n", wantInterpreter: "python"},
		{name: "env with args", fileContent: "#!/usr/bin/env python3 -u\n", wantInterpreter: "python3"},
		{name: "env -S", fileContent: "#!/usr/bin/env -S node --no-warnings\n", wantInterpreter: "node"},
		{name: "surrounding spaces", fileContent: "  #!/bin/sh  \n", wantInterpreter: "/bin/sh"},
		{name: "no trailing newline", fileContent: "#!/bin/sh", wantInterpreter: "/bin/sh"},
		{name: "empty file", fileContent: "", wantErr: &ShebangInvalidPrefixError{}},
		{name: "no prefix", fileContent: "echo hello\n", wantErr: &ShebangInvalidPrefixError{}},
		{name: "only prefix", fileContent: "#!\n", wantErr: &ShebangIncorrectFieldCountError{}},
		{name: "env without program", fileContent: "#!/usr/bin/env\n", wantErr: &ShebangIncorrectFieldCountError{}},
		{name: "binary", fileContent: "\x7fELF\x02\x01\x01\x00", wantErr: &ShebangInvalidPrefixError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := "entry-" + tt.name
			// #nosec G306 -- test file permissions are acceptable for temporary test files
			require.NoError(t, os.WriteFile(filepath.Join(tmpDir, entry), []byte(tt.fileContent), 0644))

			interpreter, err := ParseShebang(tmpDir, entry)
			assert.Equal(t, tt.wantInterpreter, interpreter)

			switch want := tt.wantErr.(type) {
			case nil:
				assert.NoError(t, err)
			case *ShebangInvalidPrefixError:
				assert.ErrorAs(t, err, &want)
			case *ShebangIncorrectFieldCountError:
				assert.ErrorAs(t, err, &want)
			}
		})
	}
}

func TestParseShebang_LongBinaryWithoutNewline(t *testing.T) {
	tmpDir := t.TempDir()
	data := make([]byte, 1<<20)
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "tool"), data, 0755))

	_, err := ParseShebang(tmpDir, "tool")
	var prefixErr *ShebangInvalidPrefixError
	assert.ErrorAs(t, err, &prefixErr)
}

func TestParseShebang_ReadErrors(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := ParseShebang(tmpDir, "missing")
	var readErr *ShebangFileReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = ParseShebang(tmpDir, "../outside")
	require.ErrorAs(t, err, &readErr)

	_, err = ParseShebang(filepath.Join(tmpDir, "nope"), "tool")
	require.ErrorAs(t, err, &readErr)
}

// TestShebangErrorTypes checks the errors carry enough to debug the entry
func TestShebangErrorTypes(t *testing.T) {
	readErr := NewShebangFileReadError("bin/tool", os.ErrPermission)
	assert.Contains(t, readErr.Error(), "bin/tool")
	assert.ErrorIs(t, readErr, os.ErrPermission)

	countErr := NewShebangIncorrectFieldCountError("bin/tool", "#!", 0)
	assert.Equal(t, "invalid shebang: #!, expected an interpreter, got 0 fields", countErr.Error())

	prefixErr := NewShebangInvalidPrefixError("bin/tool")
	assert.Equal(t, "bin/tool does not start with a shebang", prefixErr.Error())
}
