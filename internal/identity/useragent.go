// Package identity rotates the client identity presented to the job board.
// Every request gets a freshly generated desktop or mobile User-Agent built
// from a compatible browser/OS pair, plus an English Accept-Language header.
package identity

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

type platform string

const (
	windows platform = "windows"
	mac     platform = "mac"
	linux   platform = "linux"
	android platform = "android"
	ios     platform = "ios"
)

var platformTokens = map[platform][]string{
	windows: {
		"Windows NT 10.0; Win64; x64",
		"Windows NT 6.3; Win64; x64",
		"Windows NT 6.1; Win64; x64",
	},
	mac: {
		"Macintosh; Intel Mac OS X 10_15_7",
		"Macintosh; Intel Mac OS X 11_6_8",
		"Macintosh; Intel Mac OS X 12_6_0",
		"Macintosh; Intel Mac OS X 13_5_2",
		"Macintosh; Intel Mac OS X 14_1_0",
	},
	linux: {
		"X11; Linux x86_64",
		"X11; Ubuntu; Linux x86_64",
		"X11; Fedora; Linux x86_64",
		"X11; Linux Mint; Linux x86_64",
	},
	android: {
		"Linux; Android 11; SM-G991B",
		"Linux; Android 12; SM-G991B",
		"Linux; Android 13; SM-G991B",
		"Linux; Android 14; SM-G991B",
		"Linux; Android 13; Pixel 7",
		"Linux; Android 14; Pixel 7",
	},
	ios: {
		"iPhone; CPU iPhone OS 15_0 like Mac OS X",
		"iPhone; CPU iPhone OS 16_0 like Mac OS X",
		"iPhone; CPU iPhone OS 17_0 like Mac OS X",
		"iPhone; CPU iPhone OS 17_2 like Mac OS X",
		"iPad; CPU OS 15_0 like Mac OS X",
		"iPad; CPU OS 16_0 like Mac OS X",
		"iPad; CPU OS 17_0 like Mac OS X",
	},
}

const (
	blinkEngine  = "AppleWebKit/537.36 (KHTML, like Gecko)"
	webkitEngine = "AppleWebKit/605.1.15 (KHTML, like Gecko)"
)

type browser struct {
	name       string
	minMajor   int
	maxMajor   int
	platforms  []platform
	chromeLike bool
}

var browsers = []browser{
	{name: "chrome", minMajor: 115, maxMajor: 123, platforms: []platform{windows, mac, linux, android}, chromeLike: true},
	{name: "firefox", minMajor: 115, maxMajor: 122, platforms: []platform{windows, mac, linux, android}},
	{name: "safari", minMajor: 15, maxMajor: 17, platforms: []platform{mac, ios}},
	{name: "edge", minMajor: 115, maxMajor: 123, platforms: []platform{windows, mac}, chromeLike: true},
	{name: "opera", minMajor: 100, maxMajor: 108, platforms: []platform{windows, mac, linux}, chromeLike: true},
}

// acceptLanguages stay English so result pages keep the markup the parser expects.
var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-GB,en-US;q=0.9,en;q=0.8",
	"en-US,en;q=0.8",
	"en-CA,en;q=0.9,en-US;q=0.8",
	"en-AU,en;q=0.9",
	"en",
}

// Generator produces random, internally consistent client profiles.
// It is safe for concurrent use.
type Generator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	languages []string
}

// Option customizes a Generator.
type Option func(*Generator)

// WithAcceptLanguage pins the Accept-Language header instead of rotating it.
// An empty value keeps the rotation.
func WithAcceptLanguage(lang string) Option {
	return func(g *Generator) {
		if lang != "" {
			g.languages = []string{lang}
		}
	}
}

// New returns a Generator seeded from the runtime's random source.
func New(opts ...Option) *Generator {
	return NewSeeded(rand.Uint64(), rand.Uint64(), opts...)
}

// NewSeeded returns a deterministic Generator.
func NewSeeded(seed1, seed2 uint64, opts ...Option) *Generator {
	g := &Generator{rng: rand.New(rand.NewPCG(seed1, seed2)), languages: acceptLanguages}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a new client profile.
func (g *Generator) Next() crawler.ClientProfile {
	g.mu.Lock()
	defer g.mu.Unlock()

	return crawler.ClientProfile{
		UserAgent:      g.userAgent(),
		AcceptLanguage: g.languages[g.rng.IntN(len(g.languages))],
	}
}

func (g *Generator) userAgent() string {
	b := browsers[g.rng.IntN(len(browsers))]
	p := b.platforms[g.rng.IntN(len(b.platforms))]
	tokens := platformTokens[p]
	osToken := tokens[g.rng.IntN(len(tokens))]
	major := g.between(b.minMajor, b.maxMajor)

	var chromeVersion string
	if b.chromeLike {
		chromeVersion = fmt.Sprintf("%d.0.%d.%d", major, g.between(5000, 6500), g.between(0, 200))
	}

	switch b.name {
	case "firefox":
		if p == android {
			return fmt.Sprintf("Mozilla/5.0 (%s) Gecko/%d.0 Firefox/%d.0", osToken, major, major)
		}
		return fmt.Sprintf("Mozilla/5.0 (%s; rv:%d.0) Gecko/20100101 Firefox/%d.0", osToken, major, major)
	case "safari":
		version := fmt.Sprintf("%d.%d", major, g.between(0, 6))
		if p == ios {
			return fmt.Sprintf("Mozilla/5.0 (%s) %s Version/%s Mobile/15E148 Safari/604.1", osToken, webkitEngine, version)
		}
		return fmt.Sprintf("Mozilla/5.0 (%s) %s Version/%s Safari/605.1.15", osToken, webkitEngine, version)
	case "edge":
		edge := fmt.Sprintf("%d.0.%d.%d", major, g.between(1000, 2000), g.between(0, 100))
		return fmt.Sprintf("Mozilla/5.0 (%s) %s Chrome/%s Safari/537.36 Edg/%s", osToken, blinkEngine, chromeVersion, edge)
	case "opera":
		opera := fmt.Sprintf("%d.0.%d.%d", g.between(100, 108), g.between(4000, 5000), g.between(0, 100))
		return fmt.Sprintf("Mozilla/5.0 (%s) %s Chrome/%s Safari/537.36 OPR/%s", osToken, blinkEngine, chromeVersion, opera)
	default:
		if p == android {
			return fmt.Sprintf("Mozilla/5.0 (%s) %s Chrome/%s Mobile Safari/537.36", osToken, blinkEngine, chromeVersion)
		}
		return fmt.Sprintf("Mozilla/5.0 (%s) %s Chrome/%s Safari/537.36", osToken, blinkEngine, chromeVersion)
	}
}

// between returns an int in [lo, hi].
func (g *Generator) between(lo, hi int) int {
	return lo + g.rng.IntN(hi-lo+1)
}

// Static always returns the same User-Agent and leaves Accept-Language to
// the fetcher's default.
type Static string

// Next returns s.
func (s Static) Next() crawler.ClientProfile {
	return crawler.ClientProfile{UserAgent: string(s)}
}
