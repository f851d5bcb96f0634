package rendermode

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

type stubProber struct {
	result crawler.FetchResult
	err    error
}

func (s stubProber) FetchStatic(context.Context, string) (crawler.FetchResult, error) {
	return s.result, s.err
}

func page(body string) string {
	return "<html><head><title>t</title></head><body>" + body + "</body></html>"
}

func TestDecide(t *testing.T) {
	t.Parallel()

	rich := "<p>" + strings.Repeat("plenty of server rendered copy ", 40) + "</p>"

	tests := []struct {
		name   string
		prober stubProber
		want   crawler.RenderMode
	}{
		{
			name:   "forbidden probe",
			prober: stubProber{result: crawler.FetchResult{Status: 403, HTML: page(rich)}},
			want:   crawler.RenderRendered,
		},
		{
			name:   "server error probe",
			prober: stubProber{result: crawler.FetchResult{Status: 503, HTML: page(rich)}},
			want:   crawler.RenderRendered,
		},
		{
			name:   "probe error",
			prober: stubProber{err: errors.New("dial tcp: timeout")},
			want:   crawler.RenderRendered,
		},
		{
			name:   "thin text",
			prober: stubProber{result: crawler.FetchResult{Status: 200, HTML: page("<p>Loading…</p>")}},
			want:   crawler.RenderHybrid,
		},
		{
			name: "spa marker with rich text",
			prober: stubProber{result: crawler.FetchResult{
				Status: 200,
				HTML:   page(`<div id="__next">` + rich + `</div>`),
			}},
			want: crawler.RenderHybrid,
		},
		{
			name:   "scripts do not count as text",
			prober: stubProber{result: crawler.FetchResult{Status: 200, HTML: page("<script>" + strings.Repeat("var a=1;", 200) + "</script>")}},
			want:   crawler.RenderHybrid,
		},
		{
			name:   "static site",
			prober: stubProber{result: crawler.FetchResult{Status: 200, HTML: page(rich)}},
			want:   crawler.RenderStatic,
		},
	}

	d := New(0, nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, d.Decide(context.Background(), tc.prober, "https://example.com"))
		})
	}
}

func TestDecideCustomThreshold(t *testing.T) {
	t.Parallel()

	d := New(10, nil)
	got := d.Decide(context.Background(), stubProber{result: crawler.FetchResult{Status: 200, HTML: page("<p>short but enough</p>")}}, "https://example.com")
	require.Equal(t, crawler.RenderStatic, got)
}
