package teacher

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	"ue1live/pkg/types"
)

var alphabetSize = big.NewInt(int64(len(types.CodeAlphabet)))

// GenerateCode draws a join code uniformly from the code alphabet.
func GenerateCode() (string, error) {
	code := make([]byte, types.CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", errors.Wrap(err, "generate session code")
		}
		code[i] = types.CodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
