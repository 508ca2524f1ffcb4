package wire

import (
	"testing"
)

func TestClassify(t *testing.T) {
	table := map[string]struct {
		message  string
		expected Kind
	}{
		"invalid token": {
			message:  "Invalid token for thing/version/file.txt",
			expected: KindInvalidToken,
		},
		"already exists": {
			message:  "File already exists: /dest/thing/version/file.txt",
			expected: KindAlreadyExists,
		},
		"no such file": {
			message:  "No such file /dest/thing/version/file.txt",
			expected: KindNoSuchFile,
		},
		"unknown error": {
			message:  "Exception in init: something broke",
			expected: KindOther,
		},
		"empty message": {
			message:  "",
			expected: KindOther,
		},
		"prefix only matches at start": {
			message:  "error was: No such file",
			expected: KindOther,
		},
	}
	for name, test := range table {
		t.Run(name, func(t *testing.T) {
			if actual := Classify(test.message); actual != test.expected {
				t.Fatalf("expected kind %v, got %v", test.expected, actual)
			}
		})
	}
}

func TestFormBool(t *testing.T) {
	if FormBool(true) != "1" {
		t.Fatal("expected true to encode as 1")
	}
	if FormBool(false) != "0" {
		t.Fatal("expected false to encode as 0")
	}
}
