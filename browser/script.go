package browser

import (
	"encoding/json"
	"fmt"

	"github.com/yllada/sessionctl/identity"
)

// overrides is the JSON payload read by the init script.
type overrides struct {
	Platform            string   `json:"platform"`
	Languages           []string `json:"languages"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        int      `json:"deviceMemory,omitempty"`
	MaxTouchPoints      int      `json:"maxTouchPoints"`
	Vendor              string   `json:"vendor"`
	ScreenWidth         int      `json:"screenWidth"`
	ScreenHeight        int      `json:"screenHeight"`
	AvailWidth          int      `json:"availWidth"`
	AvailHeight         int      `json:"availHeight"`
	ColorDepth          int      `json:"colorDepth"`
	PixelRatio          float64  `json:"pixelRatio"`
	WebGLVendor         string   `json:"webglVendor"`
	WebGLRenderer       string   `json:"webglRenderer"`
	Fonts               []string `json:"fonts"`
	NoiseSeed           uint32   `json:"noiseSeed"`
}

const initScriptTemplate = `(() => {
  const fp = %s;
  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
  };
  const nav = Object.getPrototypeOf(navigator);
  define(nav, 'platform', fp.platform);
  define(nav, 'languages', Object.freeze(fp.languages.slice()));
  define(nav, 'language', fp.languages[0]);
  define(nav, 'hardwareConcurrency', fp.hardwareConcurrency);
  define(nav, 'maxTouchPoints', fp.maxTouchPoints);
  define(nav, 'vendor', fp.vendor);
  define(nav, 'webdriver', false);
  if (fp.deviceMemory) define(nav, 'deviceMemory', fp.deviceMemory);

  const scr = Object.getPrototypeOf(screen);
  define(scr, 'width', fp.screenWidth);
  define(scr, 'height', fp.screenHeight);
  define(scr, 'availWidth', fp.availWidth);
  define(scr, 'availHeight', fp.availHeight);
  define(scr, 'colorDepth', fp.colorDepth);
  define(scr, 'pixelDepth', fp.colorDepth);
  define(window, 'devicePixelRatio', fp.pixelRatio);

  const patchGL = (proto) => {
    if (!proto) return;
    const getParameter = proto.getParameter;
    proto.getParameter = function (p) {
      if (p === 37445) return fp.webglVendor;
      if (p === 37446) return fp.webglRenderer;
      return getParameter.call(this, p);
    };
  };
  patchGL(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patchGL(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);

  let seed = fp.noiseSeed >>> 0;
  const rand = () => {
    seed = (seed * 1664525 + 1013904223) >>> 0;
    return seed / 4294967296;
  };
  const toDataURL = HTMLCanvasElement.prototype.toDataURL;
  HTMLCanvasElement.prototype.toDataURL = function (...args) {
    const ctx = this.getContext('2d');
    if (ctx && this.width && this.height) {
      const x = Math.floor(rand() * this.width), y = Math.floor(rand() * this.height);
      const px = ctx.getImageData(x, y, 1, 1);
      px.data[0] = px.data[0] ^ 1;
      ctx.putImageData(px, x, y);
    }
    return toDataURL.apply(this, args);
  };

  if (document.fonts && document.fonts.check) {
    const allowed = new Set(fp.fonts.map((f) => f.toLowerCase()));
    const check = document.fonts.check.bind(document.fonts);
    document.fonts.check = (font, text) => {
      const family = String(font).split(/\s+/).slice(-1)[0].replace(/["']/g, '').toLowerCase();
      return allowed.has(family) ? true : check(font, text);
    };
  }
})();`

// InitScript renders the JavaScript that applies fp to every new document.
func InitScript(fp *identity.Fingerprint) (string, error) {
	if fp == nil {
		return "", fmt.Errorf("init script: nil fingerprint")
	}
	payload, err := json.Marshal(overrides{
		Platform:            fp.Platform,
		Languages:           fp.Languages,
		HardwareConcurrency: fp.Navigator.HardwareConcurrency,
		DeviceMemory:        fp.Navigator.DeviceMemory,
		MaxTouchPoints:      fp.Navigator.MaxTouchPoints,
		Vendor:              fp.Navigator.Vendor,
		ScreenWidth:         fp.Screen.Width,
		ScreenHeight:        fp.Screen.Height,
		AvailWidth:          fp.Screen.AvailWidth,
		AvailHeight:         fp.Screen.AvailHeight,
		ColorDepth:          fp.Screen.ColorDepth,
		PixelRatio:          fp.Screen.PixelRatio,
		WebGLVendor:         fp.WebGL.Vendor,
		WebGLRenderer:       fp.WebGL.Renderer,
		Fonts:               fp.Fonts,
		NoiseSeed:           fp.NoiseSeed,
	})
	if err != nil {
		return "", fmt.Errorf("init script: %w", err)
	}
	return fmt.Sprintf(initScriptTemplate, payload), nil
}
