package api

import (
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limit is a token bucket: Rate requests per second with Burst headroom.
// A zero Rate disables the ceiling.
type Limit struct {
	Rate  float64 `mapstructure:"rate" json:"rate"`
	Burst int     `mapstructure:"burst" json:"burst"`
}

// Limits holds one ceiling per externally reachable operation. Buckets are
// kept per caller origin; MaxOrigins bounds how many are tracked at once.
type Limits struct {
	CreateSession Limit `mapstructure:"create_session" json:"create_session"`
	Heartbeat     Limit `mapstructure:"heartbeat" json:"heartbeat"`
	Verify        Limit `mapstructure:"verify" json:"verify"`
	MaxOrigins    int   `mapstructure:"max_origins" json:"max_origins"`
}

// DefaultLimits suits a client pinging every few seconds.
func DefaultLimits() Limits {
	return Limits{
		CreateSession: Limit{Rate: 0.2, Burst: 5},
		Heartbeat:     Limit{Rate: 2, Burst: 10},
		Verify:        Limit{Rate: 0.2, Burst: 3},
		MaxOrigins:    10_000,
	}
}

// originLimiter hands out a token bucket per origin. The least recently seen
// origins are forgotten once the table is full.
type originLimiter struct {
	limit   Limit
	buckets *lru.Cache[string, *rate.Limiter]
}

func newOriginLimiter(l Limit, size int) (*originLimiter, error) {
	if l.Rate <= 0 {
		return nil, nil
	}
	if size <= 0 {
		size = DefaultLimits().MaxOrigins
	}
	buckets, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &originLimiter{limit: l, buckets: buckets}, nil
}

// Allow reports whether origin may proceed now. A nil limiter allows all.
func (o *originLimiter) Allow(origin string) bool {
	if o == nil {
		return true
	}
	lim, ok := o.buckets.Get(origin)
	if !ok {
		fresh := rate.NewLimiter(rate.Limit(o.limit.Rate), max(o.limit.Burst, 1))
		if prev, found, _ := o.buckets.PeekOrAdd(origin, fresh); found {
			lim = prev
		} else {
			lim = fresh
		}
	}
	return lim.Allow()
}

// originOf identifies the caller by remote IP.
func originOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
