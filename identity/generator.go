package identity

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/sessionctl/common"
)

// Policy constrains newly generated fingerprints.
type Policy struct {
	Devices         []string
	Browsers        []string
	OS              []string
	MinScreenWidth  int
	MinScreenHeight int
	Locale          string
}

// DefaultPolicy returns a desktop Firefox on Windows or macOS with a screen
// of at least 1024x700.
func DefaultPolicy() Policy {
	return Policy{
		Devices:         []string{"desktop"},
		Browsers:        []string{"firefox"},
		OS:              []string{"windows", "macos"},
		MinScreenWidth:  1024,
		MinScreenHeight: 700,
		Locale:          common.DefaultLocale,
	}
}

// Generator produces a new fingerprint that satisfies a policy. It must
// return an error wrapping common.ErrPolicyUnsatisfiable when it cannot.
type Generator interface {
	Generate(policy Policy) (*Fingerprint, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(policy Policy) (*Fingerprint, error)

// Generate calls f(policy).
func (f GeneratorFunc) Generate(policy Policy) (*Fingerprint, error) {
	return f(policy)
}

// --- os presets ---

type osPreset struct {
	name              string
	uaOS              string // OS fragment inside the UA string
	navigatorPlatform string
	fonts             []string
	webGL             []WebGL
	pixelRatios       []float64
	taskbar           int // pixels reserved by the OS shell
}

var osPresets = []osPreset{
	{
		name:              "windows",
		uaOS:              "Windows NT 10.0; Win64; x64",
		navigatorPlatform: "Win32",
		fonts:             []string{"Arial", "Calibri", "Cambria", "Consolas", "Courier New", "Georgia", "Segoe UI", "Tahoma", "Times New Roman", "Verdana"},
		webGL: []WebGL{
			{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (Intel)", "ANGLE (Intel, Intel(R) UHD Graphics 770 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce GTX 1650 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			{"Google Inc. (NVIDIA)", "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
		},
		pixelRatios: []float64{1, 1.25, 1.5},
		taskbar:     40,
	},
	{
		name:              "macos",
		uaOS:              "Macintosh; Intel Mac OS X 10.15",
		navigatorPlatform: "MacIntel",
		fonts:             []string{"American Typewriter", "Arial", "Avenir", "Courier", "Futura", "Geneva", "Helvetica", "Helvetica Neue", "Menlo", "Monaco"},
		webGL: []WebGL{
			{"Google Inc. (Apple)", "ANGLE (Apple, Apple M1, OpenGL 4.1)"},
			{"Google Inc. (Intel Inc.)", "ANGLE (Intel Inc., Intel Iris Plus Graphics, OpenGL 4.1)"},
		},
		pixelRatios: []float64{2},
		taskbar:     25,
	},
	{
		name:              "linux",
		uaOS:              "X11; Linux x86_64",
		navigatorPlatform: "Linux x86_64",
		fonts:             []string{"Cantarell", "DejaVu Sans", "DejaVu Serif", "Liberation Mono", "Liberation Sans", "Noto Sans", "Ubuntu"},
		webGL: []WebGL{
			{"Intel", "Mesa Intel(R) UHD Graphics 620 (KBL GT2)"},
			{"AMD", "AMD Radeon RX 580 (radeonsi, polaris10, LLVM 15.0.7, DRM 3.49)"},
		},
		pixelRatios: []float64{1},
		taskbar:     27,
	},
}

// --- browser presets ---

type browserPreset struct {
	name     string
	versions []string
	vendor   string
}

var browserPresets = []browserPreset{
	{name: "firefox", versions: []string{"128.0", "131.0", "133.0"}, vendor: ""},
	{name: "chrome", versions: []string{"131.0.0.0", "132.0.0.0", "133.0.0.0"}, vendor: "Google Inc."},
}

// --- screen presets ---

var screenPresets = [][2]int{
	{1920, 1080},
	{2560, 1440},
	{1366, 768},
	{1536, 864},
	{1680, 1050},
	{1440, 900},
	{1280, 800},
	{1024, 768},
}

// --- other pools ---

var hardwareConcurrencies = []int{4, 8, 12, 16}
var deviceMemories = []int{4, 8, 16}

// PresetGenerator draws coherent fingerprints from built-in presets: the
// user agent, platform, WebGL renderer, fonts and screen always belong to
// the same virtual machine.
type PresetGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewPresetGenerator returns a generator seeded from the runtime's source.
func NewPresetGenerator() *PresetGenerator {
	return NewSeededGenerator(rand.Uint64(), rand.Uint64())
}

// NewSeededGenerator returns a generator with a fixed seed, for tests and
// reproducible batches.
func NewSeededGenerator(seed1, seed2 uint64) *PresetGenerator {
	return &PresetGenerator{
		rng: rand.New(rand.NewPCG(seed1, seed2)),
		now: time.Now,
	}
}

// Generate implements Generator.
func (g *PresetGenerator) Generate(policy Policy) (*Fingerprint, error) {
	if len(policy.Devices) > 0 && !common.StringInSlice("desktop", policy.Devices) {
		return nil, fmt.Errorf("%w: devices %v (only desktop presets exist)", common.ErrPolicyUnsatisfiable, policy.Devices)
	}

	var oses []osPreset
	for _, o := range osPresets {
		if len(policy.OS) == 0 || common.StringInSlice(o.name, policy.OS) {
			oses = append(oses, o)
		}
	}
	var browsers []browserPreset
	for _, b := range browserPresets {
		if len(policy.Browsers) == 0 || common.StringInSlice(b.name, policy.Browsers) {
			browsers = append(browsers, b)
		}
	}
	var screens [][2]int
	for _, s := range screenPresets {
		if s[0] >= policy.MinScreenWidth && s[1] >= policy.MinScreenHeight {
			screens = append(screens, s)
		}
	}
	switch {
	case len(oses) == 0:
		return nil, fmt.Errorf("%w: os %v", common.ErrPolicyUnsatisfiable, policy.OS)
	case len(browsers) == 0:
		return nil, fmt.Errorf("%w: browsers %v", common.ErrPolicyUnsatisfiable, policy.Browsers)
	case len(screens) == 0:
		return nil, fmt.Errorf("%w: no screen of at least %dx%d",
			common.ErrPolicyUnsatisfiable, policy.MinScreenWidth, policy.MinScreenHeight)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	o := oses[g.rng.IntN(len(oses))]
	b := browsers[g.rng.IntN(len(browsers))]
	version := b.versions[g.rng.IntN(len(b.versions))]
	scr := screens[g.rng.IntN(len(screens))]
	webgl := o.webGL[g.rng.IntN(len(o.webGL))]

	locale := policy.Locale
	if locale == "" {
		locale = common.DefaultLocale
	}
	languages := languagesFor(locale)

	fp := &Fingerprint{
		ID:             uuid.NewString(),
		CreatedAt:      g.now().UTC(),
		Device:         "desktop",
		Browser:        b.name,
		BrowserVersion: version,
		OS:             o.name,
		UserAgent:      userAgent(b.name, version, o.uaOS),
		Platform:       o.navigatorPlatform,
		Locale:         locale,
		Languages:      languages,
		Screen: Screen{
			Width:       scr[0],
			Height:      scr[1],
			AvailWidth:  scr[0],
			AvailHeight: scr[1] - o.taskbar,
			ColorDepth:  24,
			PixelRatio:  o.pixelRatios[g.rng.IntN(len(o.pixelRatios))],
		},
		Navigator: Navigator{
			HardwareConcurrency: hardwareConcurrencies[g.rng.IntN(len(hardwareConcurrencies))],
			Vendor:              b.vendor,
		},
		WebGL:     webgl,
		Fonts:     append([]string(nil), o.fonts...),
		NoiseSeed: g.rng.Uint32(),
		Headers: map[string]string{
			"Accept-Language": acceptLanguage(languages),
		},
	}
	// Firefox does not expose navigator.deviceMemory.
	if b.name != "firefox" {
		fp.Navigator.DeviceMemory = deviceMemories[g.rng.IntN(len(deviceMemories))]
	}
	return fp, nil
}

func userAgent(browser, version, uaOS string) string {
	if browser == "firefox" {
		return fmt.Sprintf("Mozilla/5.0 (%s; rv:%s) Gecko/20100101 Firefox/%s", uaOS, version, version)
	}
	return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", uaOS, version)
}

// languagesFor expands "en-US" to ["en-US", "en"].
func languagesFor(locale string) []string {
	langs := []string{locale}
	if base, _, ok := strings.Cut(locale, "-"); ok && base != "" {
		langs = append(langs, base)
	}
	return langs
}

func acceptLanguage(languages []string) string {
	parts := make([]string, len(languages))
	for i, l := range languages {
		if i == 0 {
			parts[i] = l
			continue
		}
		parts[i] = fmt.Sprintf("%s;q=0.%d", l, 10-i)
	}
	return strings.Join(parts, ",")
}
