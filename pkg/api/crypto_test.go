package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	salt := []byte("0123456789abcdef")
	s := newSigner("k3xp7z", salt)

	tests := []struct {
		_name string
		id    string
		ok    bool
		value string
	}{
		{
			_name: "signed",
			id:    "6f1c3a4e-1b7d-4c55-9a4e-2f1d0c1b2a3e",
			ok:    true,
			value: s.sign("6f1c3a4e-1b7d-4c55-9a4e-2f1d0c1b2a3e"),
		},
		{
			_name: "other id",
			value: "other-id." + strings.SplitN(s.sign("6f1c3a4e-1b7d-4c55-9a4e-2f1d0c1b2a3e"), ".", 2)[1],
		},
		{
			_name: "other secret",
			value: newSigner("different", salt).sign("6f1c3a4e-1b7d-4c55-9a4e-2f1d0c1b2a3e"),
		},
		{
			_name: "other salt",
			value: newSigner("k3xp7z", []byte("fedcba9876543210")).sign("6f1c3a4e-1b7d-4c55-9a4e-2f1d0c1b2a3e"),
		},
		{
			_name: "unsigned",
			value: "6f1c3a4e-1b7d-4c55-9a4e-2f1d0c1b2a3e",
		},
		{
			_name: "bad encoding",
			value: "id.!!!",
		},
		{
			_name: "empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt._name, func(t *testing.T) {
			a := assert.New(t)

			id, ok := s.verify(tt.value)
			a.Equal(tt.ok, ok)
			a.Equal(tt.id, id)
		})
	}
}

func TestNewSalt(t *testing.T) {
	a := assert.New(t)

	s1, err := newSalt()
	a.NoError(err)
	s2, err := newSalt()
	a.NoError(err)

	a.Len(s1, saltLen)
	a.NotEqual(s1, s2)
}
