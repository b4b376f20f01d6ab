package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingPage = `<html><body>
<header><img class="logo" src="/assets/logo.png"></header>
<div class="gallery">
  <div class="main-image"><img src="data:image/gif;base64,R0lGOD"></div>
  <div class="main-image"><img src="https://cdn.example/photos/placeholder.jpg"></div>
  <div class="main-image"><img data-src="https://cdn.example/photos/rex-1.jpg"></div>
</div>
<article><img src="https://cdn.example/photos/rex-2.jpg"></article>
</body></html>`

func TestSelectPhoto(t *testing.T) {
	tests := []struct {
		name      string
		html      string
		selectors []string
		want      *Match
	}{
		{
			name:      "skips data uri and chrome, honours data-src",
			html:      listingPage,
			selectors: DefaultSelectors,
			want: &Match{
				Selector: ".gallery .main-image img",
				Index:    2,
				Src:      "https://cdn.example/photos/rex-1.jpg",
			},
		},
		{
			name:      "selector order wins over document order",
			html:      listingPage,
			selectors: []string{"article img", ".gallery .main-image img"},
			want:      &Match{Selector: "article img", Index: 0, Src: "https://cdn.example/photos/rex-2.jpg"},
		},
		{
			name:      "only chrome images",
			html:      `<html><body><article><img src="/static/icons/paw.svg"></article></body></html>`,
			selectors: DefaultSelectors,
			want:      nil,
		},
		{
			name:      "invalid selector matches nothing",
			html:      listingPage,
			selectors: []string{"[[["},
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectPhoto(tt.html, tt.selectors, DefaultChromeFilters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_JSPath(t *testing.T) {
	m := &Match{Selector: `[data-test='pet-photo'] img`, Index: 3}
	assert.Equal(t, `document.querySelectorAll("[data-test='pet-photo'] img")[3]`, m.JSPath())
}
