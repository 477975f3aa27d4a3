package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kodylow/Nostrit/internal/event"
	"github.com/Kodylow/Nostrit/internal/nip04"
	"github.com/Kodylow/Nostrit/internal/signer"
	"github.com/Kodylow/Nostrit/pkg/models"
)

// Wallet-connect protocol numbers: requests are kind 23194, responses kind
// 23195, both encrypted and p-tagged.
const (
	nwcRequestKind  = 23194
	nwcResponseKind = 23195
	nwcTimeout      = 15 * time.Second
)

var ErrMalformedWalletURI = errors.New("malformed wallet connect URI")

type nwcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *nwcError       `json:"error,omitempty"`
}

type payInvoiceResult struct {
	Preimage string `json:"preimage"`
}

// NWCAgent pays invoices through a remote wallet service. The connection URI
// carries the wallet pubkey, the relay both sides meet on, and the client
// secret used to sign and encrypt requests.
type NWCAgent struct {
	walletPub string
	relayURL  string
	secret    []byte
	client    *signer.LocalSigner
	shared    []byte
	timeout   time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	enabled bool
}

// ParseWalletURI splits nostr+walletconnect://<wallet-pubkey>?relay=...&secret=...
func ParseWalletURI(raw string) (walletPub, relayURL string, secret []byte, err error) {
	const scheme = "nostr+walletconnect://"
	if !strings.HasPrefix(raw, scheme) {
		return "", "", nil, fmt.Errorf("%w: missing %s prefix", ErrMalformedWalletURI, scheme)
	}
	u, err := url.Parse("https://" + strings.TrimPrefix(raw, scheme))
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrMalformedWalletURI, err)
	}
	walletPub = u.Host
	if len(walletPub) != 64 {
		return "", "", nil, fmt.Errorf("%w: wallet pubkey must be 64 hex chars", ErrMalformedWalletURI)
	}
	if _, err := hex.DecodeString(walletPub); err != nil {
		return "", "", nil, fmt.Errorf("%w: wallet pubkey is not hex", ErrMalformedWalletURI)
	}
	relayURL = u.Query().Get("relay")
	if !strings.HasPrefix(relayURL, "ws://") && !strings.HasPrefix(relayURL, "wss://") {
		return "", "", nil, fmt.Errorf("%w: relay must be a ws:// or wss:// URL", ErrMalformedWalletURI)
	}
	secretHex := u.Query().Get("secret")
	secret, err = hex.DecodeString(secretHex)
	if err != nil || len(secret) != 32 {
		return "", "", nil, fmt.Errorf("%w: secret must be 64 hex chars", ErrMalformedWalletURI)
	}
	return walletPub, relayURL, secret, nil
}

func NewNWCAgent(connectURI string, log *slog.Logger) (*NWCAgent, error) {
	walletPub, relayURL, secret, err := ParseWalletURI(connectURI)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	client, err := signer.NewLocalSigner(secret)
	if err != nil {
		return nil, err
	}
	shared, err := nip04.SharedSecret(secret, walletPub)
	if err != nil {
		return nil, err
	}
	return &NWCAgent{
		walletPub: walletPub,
		relayURL:  relayURL,
		secret:    secret,
		client:    client,
		shared:    shared,
		timeout:   nwcTimeout,
		log:       log,
	}, nil
}

// Enable checks that the wallet relay is reachable. Payment requests dial
// their own connection, so there is nothing to keep open here.
func (a *NWCAgent) Enable(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.relayURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	_ = conn.Close()
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	return nil
}

// SendPayment asks the wallet to pay the invoice and returns the preimage as
// proof. A wallet-side refusal surfaces as ErrPaymentRejected; silence past
// the deadline as ErrPaymentTimeout.
func (a *NWCAgent) SendPayment(ctx context.Context, invoice string) (string, error) {
	reqJSON, err := json.Marshal(nwcRequest{
		Method: "pay_invoice",
		Params: map[string]string{"invoice": invoice},
	})
	if err != nil {
		return "", err
	}
	encrypted, err := nip04.Encrypt(string(reqJSON), a.shared)
	if err != nil {
		return "", err
	}

	clientPub, err := a.client.PublicKey(ctx)
	if err != nil {
		return "", err
	}
	request, err := event.BuildUnsigned(nwcRequestKind,
		[][]string{{"p", a.walletPub}}, encrypted, clientPub, time.Now().Unix())
	if err != nil {
		return "", err
	}
	if err := a.client.SignEvent(ctx, &request); err != nil {
		return "", err
	}

	resp, err := a.exchange(ctx, request)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%w: %s: %s", ErrPaymentRejected, resp.Error.Code, resp.Error.Message)
	}
	if resp.ResultType != "pay_invoice" {
		return "", fmt.Errorf("unexpected wallet result type %q", resp.ResultType)
	}
	var result payInvoiceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("parsing wallet result: %w", err)
	}
	if result.Preimage == "" {
		return "", fmt.Errorf("%w: empty preimage", ErrPaymentRejected)
	}
	return result.Preimage, nil
}

// exchange publishes the request and waits for the wallet's response event,
// matched through the e tag carrying the request id.
func (a *NWCAgent) exchange(ctx context.Context, request models.Event) (*nwcResponse, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	defer conn.Close()

	subID, err := randomID(8)
	if err != nil {
		return nil, err
	}
	subMsg := []any{"REQ", subID, map[string]any{
		"kinds":   []int{nwcResponseKind},
		"authors": []string{a.walletPub},
		"#e":      []string{request.ID},
	}}
	if err := conn.WriteJSON(subMsg); err != nil {
		return nil, err
	}
	if err := conn.WriteJSON([]any{"EVENT", request}); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(a.timeout)); err != nil {
		return nil, err
	}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
		}
		if len(msg) < 1 {
			continue
		}
		var label string
		if err := json.Unmarshal(msg[0], &label); err != nil {
			continue
		}
		switch label {
		case "OK":
			var accepted bool
			if len(msg) >= 3 {
				_ = json.Unmarshal(msg[2], &accepted)
			}
			if !accepted {
				return nil, fmt.Errorf("%w: relay refused the payment request", ErrPaymentRejected)
			}
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var reply models.Event
			if err := json.Unmarshal(msg[2], &reply); err != nil {
				continue
			}
			if reply.PubKey != a.walletPub || reply.TagValue("e", 1) != request.ID {
				continue
			}
			decrypted, err := nip04.Decrypt(reply.Content, a.shared)
			if err != nil {
				a.log.Debug("undecryptable wallet response", "error", err)
				continue
			}
			var resp nwcResponse
			if err := json.Unmarshal([]byte(decrypted), &resp); err != nil {
				continue
			}
			return &resp, nil
		}
	}
}

func randomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
