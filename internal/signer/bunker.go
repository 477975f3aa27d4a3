package signer

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

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"

	"github.com/Kodylow/Nostrit/internal/event"
	"github.com/Kodylow/Nostrit/internal/nip04"
	"github.com/Kodylow/Nostrit/pkg/models"
)

// Remote-signing protocol constants: requests and responses both travel as
// encrypted kind 24133 events addressed with a p tag.
const (
	bunkerRequestKind = 24133
	bunkerRPCTimeout  = 30 * time.Second
)

var (
	ErrMalformedBunkerURL = errors.New("malformed bunker URL")
	ErrBunkerUnreachable  = errors.New("no bunker relay produced a response")
)

type bunkerRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type bunkerResponse struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// bunkerUnsigned is the event shape the remote signer expects in a
// sign_event request.
type bunkerUnsigned struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

// BunkerSigner signs through a remote key custodian reachable over its own
// relay set. The user's private key never enters this process; only a
// disposable client key for the encrypted transport does.
type BunkerSigner struct {
	remotePub  string
	relays     []string
	secret     string
	clientPriv []byte
	client     *LocalSigner
	shared     []byte
	timeout    time.Duration
	log        *slog.Logger

	mu        sync.Mutex
	userPub   string
	connected bool
}

// ParseBunkerURL splits bunker://<remote-pubkey>?relay=...&secret=... into
// its parts.
func ParseBunkerURL(raw string) (remotePub string, relays []string, secret string, err error) {
	if !strings.HasPrefix(raw, "bunker://") {
		return "", nil, "", fmt.Errorf("%w: missing bunker:// prefix", ErrMalformedBunkerURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, "", fmt.Errorf("%w: %v", ErrMalformedBunkerURL, err)
	}
	remotePub = u.Host
	if len(remotePub) != 64 {
		return "", nil, "", fmt.Errorf("%w: remote pubkey must be 64 hex chars", ErrMalformedBunkerURL)
	}
	if _, err := hex.DecodeString(remotePub); err != nil {
		return "", nil, "", fmt.Errorf("%w: remote pubkey is not hex", ErrMalformedBunkerURL)
	}
	relays = u.Query()["relay"]
	if len(relays) == 0 {
		return "", nil, "", fmt.Errorf("%w: at least one relay is required", ErrMalformedBunkerURL)
	}
	return remotePub, relays, u.Query().Get("secret"), nil
}

// NewBunkerSigner prepares a remote signer session from its bunker URL. The
// session key is generated fresh; nothing is dialed until first use.
func NewBunkerSigner(bunkerURL string, log *slog.Logger) (*BunkerSigner, error) {
	remotePub, relays, secret, err := ParseBunkerURL(bunkerURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	privBytes := priv.Serialize()
	client, err := NewLocalSigner(privBytes)
	if err != nil {
		return nil, err
	}
	shared, err := nip04.SharedSecret(privBytes, remotePub)
	if err != nil {
		return nil, err
	}
	return &BunkerSigner{
		remotePub:  remotePub,
		relays:     relays,
		secret:     secret,
		clientPriv: privBytes,
		client:     client,
		shared:     shared,
		timeout:    bunkerRPCTimeout,
		log:        log,
	}, nil
}

// PublicKey returns the custodied user's public key, connecting on first
// use. The answer is cached for the life of the session.
func (b *BunkerSigner) PublicKey(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.userPub != "" {
		pub := b.userPub
		b.mu.Unlock()
		return pub, nil
	}
	b.mu.Unlock()

	if err := b.connect(ctx); err != nil {
		return "", err
	}
	pub, err := b.rpc(ctx, "get_public_key", []string{})
	if err != nil {
		return "", err
	}
	if len(pub) != 64 {
		return "", fmt.Errorf("bunker returned malformed pubkey %q", pub)
	}
	b.mu.Lock()
	b.userPub = pub
	b.mu.Unlock()
	return pub, nil
}

// SignEvent hands the unsigned event to the custodian and copies the
// returned id, pubkey and signature back. A refusal surfaces as
// ErrSigningDenied so callers can roll the job back cleanly.
func (b *BunkerSigner) SignEvent(ctx context.Context, ev *models.Event) error {
	if _, err := b.PublicKey(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(bunkerUnsigned{
		Kind:      ev.Kind,
		Content:   ev.Content,
		Tags:      ev.Tags,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return err
	}
	result, err := b.rpc(ctx, "sign_event", []string{string(payload)})
	if err != nil {
		return err
	}
	var signed models.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return fmt.Errorf("parsing bunker-signed event: %w", err)
	}
	if !event.Verify(signed) {
		return errors.New("bunker returned an event that fails verification")
	}
	ev.ID = signed.ID
	ev.PubKey = signed.PubKey
	ev.CreatedAt = signed.CreatedAt
	ev.Sig = signed.Sig
	return nil
}

func (b *BunkerSigner) connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	params := []string{b.remotePub}
	if b.secret != "" {
		params = append(params, b.secret)
	}
	result, err := b.rpc(ctx, "connect", params)
	if err != nil {
		return err
	}
	if result != "ack" && result != b.secret {
		return fmt.Errorf("unexpected bunker connect response %q", result)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// rpc sends one encrypted request and waits for the matching encrypted
// response, trying each bunker relay in turn. Each call dials fresh; the
// bunker relay set is separate from the job relay pool and requests are
// rare enough that holding connections open buys nothing.
func (b *BunkerSigner) rpc(ctx context.Context, method string, params []string) (string, error) {
	reqID, err := randomID(8)
	if err != nil {
		return "", err
	}
	reqJSON, err := json.Marshal(bunkerRequest{ID: reqID, Method: method, Params: params})
	if err != nil {
		return "", err
	}
	encrypted, err := nip04.Encrypt(string(reqJSON), b.shared)
	if err != nil {
		return "", err
	}

	clientPub, err := b.client.PublicKey(ctx)
	if err != nil {
		return "", err
	}
	wrapper, err := event.BuildUnsigned(bunkerRequestKind,
		[][]string{{"p", b.remotePub}}, encrypted, clientPub, time.Now().Unix())
	if err != nil {
		return "", err
	}
	if err := b.client.SignEvent(ctx, &wrapper); err != nil {
		return "", err
	}

	var lastErr error
	for _, relay := range b.relays {
		result, err := b.exchange(ctx, relay, wrapper, clientPub, reqID)
		if err != nil {
			b.log.Debug("bunker relay attempt failed", "relay", relay, "error", err)
			lastErr = err
			continue
		}
		return result, nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrBunkerUnreachable, lastErr)
	}
	return "", ErrBunkerUnreachable
}

func (b *BunkerSigner) exchange(ctx context.Context, relayURL string, wrapper models.Event, clientPub, reqID string) (string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	subID, err := randomID(8)
	if err != nil {
		return "", err
	}
	since := time.Now().Unix() - 10
	subMsg := []any{"REQ", subID, map[string]any{
		"kinds": []int{bunkerRequestKind},
		"#p":    []string{clientPub},
		"since": since,
	}}
	if err := conn.WriteJSON(subMsg); err != nil {
		return "", err
	}
	if err := conn.WriteJSON([]any{"EVENT", wrapper}); err != nil {
		return "", err
	}

	deadline := time.Now().Add(b.timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return "", err
		}
		if len(msg) < 3 {
			continue
		}
		var label string
		if err := json.Unmarshal(msg[0], &label); err != nil || label != "EVENT" {
			continue
		}
		var reply models.Event
		if err := json.Unmarshal(msg[2], &reply); err != nil {
			continue
		}
		if reply.PubKey != b.remotePub {
			continue
		}
		decrypted, err := nip04.Decrypt(reply.Content, b.shared)
		if err != nil {
			continue
		}
		var resp bunkerResponse
		if err := json.Unmarshal([]byte(decrypted), &resp); err != nil {
			continue
		}
		if resp.ID != reqID {
			continue
		}
		if resp.Error != "" {
			if isDenial(resp.Error) {
				return "", fmt.Errorf("%w: %s", ErrSigningDenied, resp.Error)
			}
			return "", errors.New(resp.Error)
		}
		return resp.Result, nil
	}
}

func isDenial(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "denied") || strings.Contains(lower, "reject") ||
		strings.Contains(lower, "unauthorized")
}

func randomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
