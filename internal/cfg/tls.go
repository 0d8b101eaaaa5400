/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package cfg

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// configTLS uses libpq's TLS parameters to construct []*tls.Config. sslmode "allow" and "prefer" produce two
// configs so the caller can fall back between plain and TLS sessions.
func configTLS(settings map[string]string, host string) ([]*tls.Config, error) {
	sslmode := settings["sslmode"]
	sslrootcert := settings["sslrootcert"]
	sslcert := settings["sslcert"]
	sslkey := settings["sslkey"]

	if sslmode == "" {
		sslmode = "prefer"
	}
	// With a root certificate, require behaves like verify-ca.
	if sslmode == "require" && sslrootcert != "" {
		sslmode = "verify-ca"
	}

	tlsConfig := &tls.Config{}

	switch sslmode {
	case "disable":
		return []*tls.Config{nil}, nil
	case "allow", "prefer", "require":
		tlsConfig.InsecureSkipVerify = true
	case "verify-ca":
		// Verify the chain but not the host name, which is what libpq's verify-ca does.
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = func(certificates [][]byte, _ [][]*x509.Certificate) error {
			return verifyChain(tlsConfig.RootCAs, certificates)
		}
	case "verify-full":
		tlsConfig.ServerName = host
	default:
		return nil, errors.New("sslmode is invalid")
	}

	if sslrootcert != "" {
		caCert, err := os.ReadFile(sslrootcert)
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("unable to add CA to cert pool")
		}
		tlsConfig.RootCAs = pool
		tlsConfig.ClientCAs = pool
	}

	if (sslcert == "") != (sslkey == "") {
		return nil, errors.New(`both "sslcert" and "sslkey" are required`)
	}
	if sslcert != "" {
		cert, err := tls.LoadX509KeyPair(sslcert, sslkey)
		if err != nil {
			return nil, fmt.Errorf("unable to read cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	switch sslmode {
	case "allow":
		return []*tls.Config{nil, tlsConfig}, nil
	case "prefer":
		return []*tls.Config{tlsConfig, nil}, nil
	default:
		return []*tls.Config{tlsConfig}, nil
	}
}

func verifyChain(roots *x509.CertPool, certificates [][]byte) error {
	if len(certificates) == 0 {
		return errors.New("server presented no certificate")
	}
	certs := make([]*x509.Certificate, len(certificates))
	for i, asn1Data := range certificates {
		cert, err := x509.ParseCertificate(asn1Data)
		if err != nil {
			return errors.New("failed to parse certificate from server: " + err.Error())
		}
		certs[i] = cert
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(opts)
	return err
}
