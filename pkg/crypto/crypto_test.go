package crypto

import (
	"io"
	"strings"
	"testing"
)

func TestChecksums(t *testing.T) {
	tests := map[string]struct {
		xsFunc     func(r io.Reader) (string, error)
		input      string
		expectedXS string
	}{
		"adler32_hello": {ComputeAdler32XS, "Hello World!", "1c49043e"},
		"sha1_hello":    {ComputeSHA1XS, "Hello World!", "2ef7bde608ce5404e97d5f042f95f89f1c232871"},
		"md5_hello":     {ComputeMD5XS, "Hello World!", "ed076287532e86365e841e92bfc50d8c"},
		"sha256_hello":  {ComputeSHA256XS, "Hello World!", "7f83b1657ff1fc53b92dc18148a1d65dfc2d4b1fa3d677284addd200126d9069"},
	}

	for name := range tests {
		var tc = tests[name]
		t.Run(name, func(t *testing.T) {
			actual, err := tc.xsFunc(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("%v returned an unexpected error: %v", t.Name(), err)
			}

			if actual != tc.expectedXS {
				t.Fatalf("%v returned wrong checksum:\n\tAct: %v\n\tExp: %v", t.Name(), actual, tc.expectedXS)
			}
		})
	}
}
