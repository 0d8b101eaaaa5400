package conn

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgproto3/v2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
)

const scramSHA256Mechanism = "SCRAM-SHA-256"

const clientNonceLen = 18

// scramAuth runs a SCRAM-SHA-256 exchange after the server offered mechanisms in AuthenticationSASL.
func (s *Session) scramAuth(mechanisms []string, password string) error {
	sc, err := newScramClient(mechanisms, "", password)
	if err != nil {
		return err
	}

	first := &pgproto3.SASLInitialResponse{
		AuthMechanism: scramSHA256Mechanism,
		Data:          sc.clientFirstMessage(),
	}
	if _, err := s.sock.Write(first.Encode(s.wBuf[:0])); err != nil {
		return err
	}

	msg, err := s.receiveMessage()
	if err != nil {
		return err
	}
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		return unexpectedAuthMessage(msg)
	}
	if err := sc.recvServerFirstMessage(cont.Data); err != nil {
		return err
	}

	final := &pgproto3.SASLResponse{Data: sc.clientFinalMessage()}
	if _, err := s.sock.Write(final.Encode(s.wBuf[:0])); err != nil {
		return err
	}

	msg, err = s.receiveMessage()
	if err != nil {
		return err
	}
	fin, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	if !ok {
		return unexpectedAuthMessage(msg)
	}
	return sc.recvServerFinalMessage(fin.Data)
}

func unexpectedAuthMessage(msg pgproto3.BackendMessage) error {
	if er, ok := msg.(*pgproto3.ErrorResponse); ok {
		return ErrorResponseToPgError(er)
	}
	return fmt.Errorf("unexpected message %T during SCRAM authentication", msg)
}

type scramClient struct {
	username      string
	password      []byte
	clientNonce   []byte
	serverNonce   []byte
	salt          []byte
	iterations    int
	saltedPass    []byte
	authMessage   []byte
	clientFirstMB []byte // client-first-message-bare
	serverFirst   []byte
}

// newScramClient checks that the server offers SCRAM-SHA-256 and prepares the password. PostgreSQL ignores the
// SCRAM username in favor of the startup user, so an empty one is sent.
func newScramClient(mechanisms []string, username, password string) (*scramClient, error) {
	supported := false
	for _, m := range mechanisms {
		if m == scramSHA256Mechanism {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("server does not offer %s, got %v", scramSHA256Mechanism, mechanisms)
	}

	prepared, err := precis.OpaqueString.String(password)
	if err != nil {
		// PostgreSQL accepts passwords that fail normalization as they are.
		prepared = password
	}

	buf := make([]byte, clientNonceLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	nonce := make([]byte, base64.RawStdEncoding.EncodedLen(len(buf)))
	base64.RawStdEncoding.Encode(nonce, buf)

	return &scramClient{
		username:    username,
		password:    []byte(prepared),
		clientNonce: nonce,
	}, nil
}

func (sc *scramClient) clientFirstMessage() []byte {
	sc.clientFirstMB = []byte(fmt.Sprintf("n=%s,r=%s", sc.username, sc.clientNonce))
	return append([]byte("n,,"), sc.clientFirstMB...)
}

func (sc *scramClient) recvServerFirstMessage(msg []byte) error {
	sc.serverFirst = append([]byte(nil), msg...)
	fields := bytes.Split(sc.serverFirst, []byte(","))
	if len(fields) != 3 {
		return errors.New("invalid SCRAM server-first-message")
	}

	if !bytes.HasPrefix(fields[0], []byte("r=")) {
		return errors.New("invalid SCRAM server-first-message: missing nonce")
	}
	sc.serverNonce = fields[0][2:]
	if !bytes.HasPrefix(sc.serverNonce, sc.clientNonce) || len(sc.serverNonce) == len(sc.clientNonce) {
		return errors.New("invalid SCRAM server-first-message: nonce does not extend client nonce")
	}

	if !bytes.HasPrefix(fields[1], []byte("s=")) {
		return errors.New("invalid SCRAM server-first-message: missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(string(fields[1][2:]))
	if err != nil {
		return fmt.Errorf("invalid SCRAM salt: %w", err)
	}
	sc.salt = salt

	if !bytes.HasPrefix(fields[2], []byte("i=")) {
		return errors.New("invalid SCRAM server-first-message: missing iteration count")
	}
	sc.iterations, err = strconv.Atoi(string(fields[2][2:]))
	if err != nil || sc.iterations <= 0 {
		return fmt.Errorf("invalid SCRAM iteration count %q", fields[2][2:])
	}
	return nil
}

func (sc *scramClient) clientFinalMessage() []byte {
	withoutProof := fmt.Sprintf("c=biws,r=%s", sc.serverNonce)

	sc.saltedPass = pbkdf2.Key(sc.password, sc.salt, sc.iterations, sha256.Size, sha256.New)
	sc.authMessage = bytes.Join([][]byte{sc.clientFirstMB, sc.serverFirst, []byte(withoutProof)}, []byte(","))

	proof := computeClientProof(sc.saltedPass, sc.authMessage)
	return []byte(fmt.Sprintf("%s,p=%s", withoutProof, proof))
}

func (sc *scramClient) recvServerFinalMessage(msg []byte) error {
	if !bytes.HasPrefix(msg, []byte("v=")) {
		return errors.New("invalid SCRAM server-final-message")
	}
	if !hmac.Equal(msg[2:], computeServerSignature(sc.saltedPass, sc.authMessage)) {
		return errors.New("invalid SCRAM ServerSignature received from server")
	}
	return nil
}

func computeHMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func computeClientProof(saltedPassword, authMessage []byte) []byte {
	clientKey := computeHMAC(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := computeHMAC(storedKey[:], authMessage)

	proof := make([]byte, len(clientSignature))
	for i := range clientSignature {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	buf := make([]byte, base64.StdEncoding.EncodedLen(len(proof)))
	base64.StdEncoding.Encode(buf, proof)
	return buf
}

func computeServerSignature(saltedPassword, authMessage []byte) []byte {
	serverKey := computeHMAC(saltedPassword, []byte("Server Key"))
	sig := computeHMAC(serverKey, authMessage)
	buf := make([]byte, base64.StdEncoding.EncodedLen(len(sig)))
	base64.StdEncoding.Encode(buf, sig)
	return buf
}
