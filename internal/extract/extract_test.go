package extract

import (
	"reflect"
	"testing"
)

func TestCandidates(t *testing.T) {
	e := New("@HeroQuoteBot")
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single capitalized name",
			text: "what's the floor on Zed",
			want: []string{"Zed"},
		},
		{
			name: "quoted phrase first",
			text: `Hey, price of "Iron Maiden" please`,
			want: []string{"Iron Maiden", "Iron", "Maiden"},
		},
		{
			name: "cashtag and hashtag",
			text: "#ana vs $zed",
			want: []string{"zed", "ana"},
		},
		{
			name: "bot handle excluded, other handle kept",
			text: "@HeroQuoteBot @alice_eth",
			want: []string{"alice_eth"},
		},
		{
			name: "urls ignored",
			text: "Check https://Example.com/Zed",
			want: nil,
		},
		{
			name: "de-duplicated case-insensitively",
			text: "$Zed Zed zed ZED",
			want: []string{"Zed"},
		},
		{
			name: "stopword stripped from run",
			text: "Show Dark Knight",
			want: []string{"Dark Knight", "Dark", "Knight"},
		},
		{
			name: "nothing",
			text: "gm",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Candidates(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Candidates(%q) = %#v, want %#v", tt.text, got, tt.want)
			}
		})
	}
}

func TestCandidatesCapped(t *testing.T) {
	e := New("bot")
	got := e.Candidates("Aa Bb Cc Dd Ee Ff Gg Hh Ii Jj")
	if len(got) != 8 {
		t.Fatalf("len = %d", len(got))
	}
}
