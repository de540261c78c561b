package clitest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

func TestEncodingByName(t *testing.T) {
	enc, err := EncodingByName("")
	require.NoError(t, err)
	assert.Equal(t, unicode.UTF8, enc)

	enc, err = EncodingByName(" UTF-16LE ")
	require.NoError(t, err)
	got, err := enc.NewDecoder().String("h\x00i\x00")
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	// windows-1252 is the WHATWG mapping for the latin1 label
	enc, err = EncodingByName("latin1")
	require.NoError(t, err)
	assert.Equal(t, charmap.Windows1252, enc)

	_, err = EncodingByName("klingon")
	assert.ErrorContains(t, err, `unknown encoding "klingon"`)
}
