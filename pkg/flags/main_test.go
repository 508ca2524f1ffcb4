package flags

import (
	"errors"
	"github.com/google/go-cmp/cmp"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	table := map[string]struct {
		args        []string
		expected    Flags
		expectedErr error
	}{
		"config": {
			args:        []string{"stowage", "config"},
			expected:    Flags{Config: true, Input: []string{}, Concurrency: 10},
			expectedErr: nil,
		},
		"put": {
			args: []string{"stowage", "put", "main", "a.txt", "b.txt", "--dir=run-17", "--no-overwrite"},
			expected: Flags{
				Put:         true,
				Target:      "main",
				Input:       []string{"a.txt", "b.txt"},
				Dir:         "run-17",
				NoOverwrite: true,
				Concurrency: 10,
			},
			expectedErr: nil,
		},
		"get": {
			args: []string{"stowage", "get", "main", "run-17/a.dat", "./a.dat", "--verify"},
			expected: Flags{
				Get:         true,
				Target:      "main",
				Path:        "run-17/a.dat",
				Dest:        "./a.dat",
				Verify:      true,
				Input:       []string{},
				Concurrency: 10,
			},
			expectedErr: nil,
		},
		"link": {
			args: []string{"stowage", "link", "main", "latest/a.dat", "run-17/a.dat"},
			expected: Flags{
				Link:        true,
				Target:      "main",
				Path:        "latest/a.dat",
				LinkTarget:  "run-17/a.dat",
				Input:       []string{},
				Concurrency: 10,
			},
			expectedErr: nil,
		},
		"delete": {
			args: []string{"stowage", "delete", "main", "run-17/a.dat", "--must-exist"},
			expected: Flags{
				Delete:      true,
				Target:      "main",
				Path:        "run-17/a.dat",
				MustExist:   true,
				Input:       []string{},
				Concurrency: 10,
			},
			expectedErr: nil,
		},
		"bad args": {
			args:        []string{"stowage"},
			expected:    Flags{},
			expectedErr: errors.New("--help"),
		},
	}
	for name, test := range table {
		t.Run(name, func(t *testing.T) {
			flags, err := New(test.args, "test")
			if test.expectedErr == nil && err != nil {
				t.Fatalf("did not expect error: %s", err)
			}
			if err != nil && test.expectedErr != nil && !strings.Contains(err.Error(), test.expectedErr.Error()) {
				t.Fatalf("expected error: %s, got %s", test.expectedErr, err)
			}
			if diff := cmp.Diff(flags, test.expected); diff != "" {
				t.Fatalf(diff)
			}
		})
	}
}

func TestMethod(t *testing.T) {
	table := map[string]Flags{
		"PutMain":        {Put: true},
		"GetMain":        {Get: true},
		"InfoMain":       {Info: true},
		"LinkMain":       {Link: true},
		"DeleteMain":     {Delete: true},
		"ConfigMain":     {Config: true},
		"ConfigSet":      {Config: true, Set: true},
		"ConfigDelete":   {Config: true, Delete: true},
		"NotImplemented": Flags{},
	}
	for name, test := range table {
		t.Run(name, func(t *testing.T) {
			actual := test.Method()
			if name != actual {
				t.Fatalf("expected %s, got %s", name, actual)
			}
		})
	}
}
