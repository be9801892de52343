// internal/clients/membership_client.go
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ineligibility reasons reported by Check.
const (
	ReasonUnknownReader     = "unknown_reader"
	ReasonInactive          = "membership_inactive"
	ReasonExpired           = "membership_expired"
	ReasonOutstandingFines  = "outstanding_fines"
	memberStatusActive      = "active"
	defaultTimeout          = 3 * time.Second
	defaultFailureThreshold = 5
)

// minorUnits converts the membership service's decimal balance into the
// minor units fines are kept in.
var minorUnits = decimal.NewFromInt(100)

// errMalformedMember marks a response the service did send but that could
// not be read. It does not count against the breaker.
var errMalformedMember = errors.New("malformed member record")

// member is the part of the membership service's reader record that
// decides eligibility. FineBalance is in major currency units.
type member struct {
	ID          uuid.UUID       `json:"id"`
	Status      string          `json:"status"`
	FineBalance decimal.Decimal `json:"fine_balance"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// balance rounds part units up so that a reader never appears to owe less.
func (m member) balance() domain.Amount {
	return domain.Amount(m.FineBalance.Mul(minorUnits).Ceil().IntPart())
}

// MembershipClient asks the membership service whether a reader may
// borrow. Calls are bounded by a timeout and a circuit breaker; nothing is
// retried.
type MembershipClient struct {
	baseURL        string
	http           *http.Client
	breaker        *gobreaker.CircuitBreaker
	maxFineBalance domain.Amount
	clock          clock.Clock
	logger         *slog.Logger
}

var _ circulation.Eligibility = (*MembershipClient)(nil)

type MembershipOption func(*membershipOptions)

type membershipOptions struct {
	timeout          time.Duration
	maxFineBalance   domain.Amount
	failureThreshold uint32
	openTimeout      time.Duration
	clock            clock.Clock
	logger           *slog.Logger
	httpClient       *http.Client
}

func WithTimeout(d time.Duration) MembershipOption {
	return func(o *membershipOptions) { o.timeout = d }
}

// WithMaxFineBalance sets the largest unpaid balance, in minor units, a
// reader may carry and still borrow.
func WithMaxFineBalance(a domain.Amount) MembershipOption {
	return func(o *membershipOptions) { o.maxFineBalance = a }
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(failures uint32, openFor time.Duration) MembershipOption {
	return func(o *membershipOptions) {
		o.failureThreshold = failures
		o.openTimeout = openFor
	}
}

func WithClientClock(c clock.Clock) MembershipOption {
	return func(o *membershipOptions) { o.clock = c }
}

func WithClientLogger(l *slog.Logger) MembershipOption {
	return func(o *membershipOptions) { o.logger = l }
}

func WithHTTPClient(c *http.Client) MembershipOption {
	return func(o *membershipOptions) { o.httpClient = c }
}

func NewMembershipClient(baseURL string, opts ...MembershipOption) *MembershipClient {
	o := membershipOptions{
		timeout:          defaultTimeout,
		failureThreshold: defaultFailureThreshold,
		openTimeout:      30 * time.Second,
		clock:            clock.System{},
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}

	logger := o.logger.With("component", "membership_client")
	threshold := o.failureThreshold
	return &MembershipClient{
		baseURL:        baseURL,
		http:           o.httpClient,
		maxFineBalance: o.maxFineBalance,
		clock:          o.clock,
		logger:         logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "membership",
			MaxRequests: 1,
			Timeout:     o.openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errMalformedMember)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Check implements circulation.Eligibility. An unknown reader is reported
// as ineligible; transport failures and unexpected statuses are errors.
func (c *MembershipClient) Check(ctx context.Context, readerID uuid.UUID) (circulation.Decision, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.getMember(ctx, readerID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return circulation.Decision{}, fmt.Errorf("membership service: %w", err)
		}
		return circulation.Decision{}, err
	}

	m, _ := out.(*member)
	if m == nil {
		return circulation.Decision{Eligible: false, Reason: ReasonUnknownReader}, nil
	}
	return c.decide(*m), nil
}

func (c *MembershipClient) decide(m member) circulation.Decision {
	switch {
	case m.Status != memberStatusActive:
		return circulation.Decision{Reason: ReasonInactive}
	case m.ExpiresAt != nil && !m.ExpiresAt.IsZero() && !c.clock.Now().Before(*m.ExpiresAt):
		return circulation.Decision{Reason: ReasonExpired}
	case m.balance() > c.maxFineBalance:
		return circulation.Decision{Reason: ReasonOutstandingFines}
	}
	return circulation.Decision{Eligible: true}
}

// getMember returns nil without error when the reader does not exist, so
// that a 404 does not count against the breaker.
func (c *MembershipClient) getMember(ctx context.Context, id uuid.UUID) (*member, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/members/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach membership service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var m member
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode member %s: %w: %w", id, errMalformedMember, err)
	}
	return &m, nil
}
