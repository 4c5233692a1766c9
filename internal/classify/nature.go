package classify

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"time"
)

// NatureScorer is the fallback when no model sidecar is configured: it
// estimates how "outdoorsy" an image is from the share of pixels whose
// hue lands in the green/brown/sky bands. It is deliberately crude and
// only meant to beat a coin flip for routing purposes.
type NatureScorer struct {
	client *http.Client
}

func NewNatureScorer(timeout time.Duration) *NatureScorer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &NatureScorer{client: &http.Client{Timeout: timeout}}
}

func (s *NatureScorer) Score(ctx context.Context, imageURL string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetching image: status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("decoding image: %w", err)
	}
	return ScoreImage(img), nil
}

// ScoreImage returns the fraction of sampled pixels in natural hue
// bands. Sampling is strided so large photos stay cheap.
func ScoreImage(img image.Image) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	stride := 1
	for (w/stride)*(h/stride) > 65536 {
		stride++
	}
	var total, natural int
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			r, g, bl, _ := img.At(x, y).RGBA()
			hue, sat, val := rgbToHSV(float64(r)/65535, float64(g)/65535, float64(bl)/65535)
			total++
			if isNaturalHue(hue, sat, val) {
				natural++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(natural) / float64(total)
}

func isNaturalHue(h, s, v float64) bool {
	if v < 0.08 {
		return false
	}
	switch {
	case h >= 60 && h <= 170 && s > 0.12: // foliage greens
		return true
	case h >= 15 && h <= 50 && s > 0.15 && v < 0.75: // earth and bark
		return true
	case h >= 185 && h <= 230 && s > 0.10: // sky and water blues
		return true
	}
	return false
}

func rgbToHSV(r, g, b float64) (h, s, v float64) {
	max, min := r, r
	if g > max {
		max = g
	}
	if b > max {
		max = b
	}
	if g < min {
		min = g
	}
	if b < min {
		min = b
	}
	v = max
	d := max - min
	if max > 0 {
		s = d / max
	}
	if d == 0 {
		return 0, s, v
	}
	switch max {
	case r:
		h = 60 * ((g - b) / d)
		if h < 0 {
			h += 360
		}
	case g:
		h = 60*((b-r)/d) + 120
	default:
		h = 60*((r-g)/d) + 240
	}
	return h, s, v
}
