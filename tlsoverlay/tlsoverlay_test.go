package tlsoverlay

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func generateSelfSignedCertKey(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certFile, err := os.CreateTemp(t.TempDir(), "cert-*.pem")
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certFile.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyFile, err := os.CreateTemp(t.TempDir(), "key-*.pem")
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyFile.Close())

	return certFile.Name(), keyFile.Name()
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestClientServerHandshake(t *testing.T) {
	require.NoError(t, ServerInitSSL())
	t.Cleanup(ServerShutdownSSL)
	require.NoError(t, InitSSL())
	t.Cleanup(ShutdownSSL)

	certPath, keyPath := generateSelfSignedCertKey(t)
	require.NoError(t, UseGlobalServerCertKeyFile(certPath, keyPath))

	globalMu.Lock()
	clientCfg.InsecureSkipVerify = true
	globalMu.Unlock()

	clientFD, serverFD := socketpair(t)

	var (
		wg                          sync.WaitGroup
		clientSession, serverSession *Session
		clientErr, serverErr        error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSession, clientErr = ClientHandshake(clientFD, "localhost")
	}()
	go func() {
		defer wg.Done()
		var result ServerResult
		serverSession, result, serverErr = ServerHandshake(serverFD)
		require.Equal(t, ServerOK, result)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	require.NotNil(t, clientSession)
	require.NotNil(t, serverSession)

	msg := []byte("hello over tls")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := clientSession.Write(msg)
			require.NoError(t, err)
			if n > 0 {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	buf := make([]byte, len(msg))
	got := 0
	deadline := time.Now().Add(5 * time.Second)
	for got < len(msg) && time.Now().Before(deadline) {
		n, err := serverSession.Read(buf[got:])
		require.NoError(t, err)
		got += n
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	require.Equal(t, msg, buf)
	<-done
}

func TestHTTPOnHTTPSDetection(t *testing.T) {
	require.NoError(t, ServerInitSSL())
	t.Cleanup(ServerShutdownSSL)

	certPath, keyPath := generateSelfSignedCertKey(t)
	require.NoError(t, UseGlobalServerCertKeyFile(certPath, keyPath))

	serverFD, clientFD := socketpair(t)

	go func() {
		unix.Write(clientFD, []byte("GET / HTTP/1.0\r\n\r\n"))
	}()

	_, result, err := ServerHandshake(serverFD)
	require.Error(t, err)
	require.Equal(t, ServerHTTPOnHTTPS, result)
}

func TestUseGlobalClientCertKeyFileRequiresInit(t *testing.T) {
	ShutdownSSL()
	err := UseGlobalClientCertKeyFile("/nonexistent")
	require.ErrorIs(t, err, ErrNotInitialized)
}
