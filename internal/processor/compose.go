package processor

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/oriys/heroquote/internal/domain"
)

const previewLength = 100

// composeReply renders the reply for info. author may be empty when the
// handle could not be resolved.
func composeReply(author string, info *domain.MarketInfo, maxLen int) string {
	var b strings.Builder
	if author != "" {
		b.WriteString("@")
		b.WriteString(strings.TrimPrefix(author, "@"))
		b.WriteString(" ")
	}
	b.WriteString(info.Name)
	if info.Handle != "" {
		b.WriteString(" (@")
		b.WriteString(strings.TrimPrefix(info.Handle, "@"))
		b.WriteString(")")
	}

	cur := info.Currency
	if cur == "" {
		cur = "ETH"
	}
	var lines []string
	if info.FloorPrice > 0 {
		lines = append(lines, "Floor: "+formatAmount(info.FloorPrice)+" "+cur)
	}
	if info.LastSale > 0 {
		lines = append(lines, "Last sale: "+formatAmount(info.LastSale)+" "+cur)
	}
	if info.Listings > 0 {
		lines = append(lines, "Listings: "+strconv.Itoa(info.Listings))
	}
	if info.Volume24h > 0 {
		lines = append(lines, "24h volume: "+formatAmount(info.Volume24h)+" "+cur)
	}
	if len(lines) == 0 {
		lines = append(lines, "No recent market activity")
	}
	for _, l := range lines {
		b.WriteString("\n")
		b.WriteString(l)
	}
	return truncateRunes(b.String(), maxLen)
}

// formatAmount prints up to four decimals without trailing zeros.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func truncateRunes(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxLen-1]) + "…"
}
