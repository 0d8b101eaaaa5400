package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7677 section 3
func TestScramClientExchange(t *testing.T) {
	sc := &scramClient{
		username:    "user",
		password:    []byte("pencil"),
		clientNonce: []byte("rOprNGfwEbeRWgbNEkqO"),
	}

	assert.Equal(t, "n,,n=user,r=rOprNGfwEbeRWgbNEkqO", string(sc.clientFirstMessage()))

	err := sc.recvServerFirstMessage([]byte("r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"))
	require.NoError(t, err)
	assert.Equal(t, 4096, sc.iterations)

	assert.Equal(t,
		"c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ=",
		string(sc.clientFinalMessage()))

	require.NoError(t, sc.recvServerFinalMessage([]byte("v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=")))
	assert.Error(t, sc.recvServerFinalMessage([]byte("v=AAAATRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4=")))
}

func TestScramClientRejectsBadServerFirst(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"too few fields", "r=abc,s=W22ZaJ0SNY7soEsUEjb6gQ=="},
		{"nonce not extended", "r=clientnonce,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"},
		{"foreign nonce", "r=othernonce123,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"},
		{"bad salt", "r=clientnonceXYZ,s=!!!,i=4096"},
		{"bad iterations", "r=clientnonceXYZ,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=zero"},
		{"zero iterations", "r=clientnonceXYZ,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &scramClient{clientNonce: []byte("clientnonce")}
			sc.clientFirstMessage()
			assert.Error(t, sc.recvServerFirstMessage([]byte(tt.msg)))
		})
	}
}

func TestNewScramClient(t *testing.T) {
	_, err := newScramClient([]string{"SCRAM-SHA-256-PLUS"}, "", "pw")
	assert.Error(t, err)

	sc, err := newScramClient([]string{"SCRAM-SHA-256-PLUS", "SCRAM-SHA-256"}, "", "pw")
	require.NoError(t, err)
	assert.Len(t, sc.clientNonce, 24)
	assert.Equal(t, []byte("pw"), sc.password)
}
