package guard

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/classifier"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tools"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verdict"
)

func newGuard(t *testing.T) *Guard {
	t.Helper()
	return New(locale.MustLoad(), classifier.MustNewScanner())
}

func content(t *testing.T, v verdict.Verdict) string {
	t.Helper()
	c, ok := verdict.Content(v)
	require.True(t, ok, "expected deliverable verdict, got %s", v.Kind())
	return c
}

func TestActionClaim_TurkishWithoutToolIsRewritten(t *testing.T) {
	g := newGuard(t)
	out := g.Apply(context.Background(), Input{
		Text:        "Siparişinizi iptal ettim.",
		Locale:      "tr",
		ToolResults: []tools.Result{{Tool: "cancel_order", Status: tools.StatusFail}},
	})

	require.Equal(t, verdict.KindModified, out.Verdict.Kind())
	c := content(t, out.Verdict)
	assert.NotContains(t, c, "iptal ettim")
	assert.Equal(t, "Bu konuda size yardımcı olabilirim.", c)
	assert.True(t, out.Claims.Modified)
	assert.Contains(t, out.Claims.ClaimsFound, "tr:first_person_completed")
	assert.Equal(t, []string{NameActionClaim}, out.Verdict.(verdict.Modified).ModifiedBy)
}

func TestActionClaim_TurkishWithOKToolPasses(t *testing.T) {
	g := newGuard(t)
	out := g.Apply(context.Background(), Input{
		Text:        "Siparişinizi iptal ettim.",
		Locale:      "tr",
		ToolResults: []tools.Result{{Tool: "cancel_order", Status: tools.StatusOK}},
	})

	assert.Equal(t, verdict.KindAllowed, out.Verdict.Kind())
	assert.Equal(t, "Siparişinizi iptal ettim.", content(t, out.Verdict))
	assert.True(t, out.Claims.Fired())
	assert.False(t, out.Claims.Modified)
}

func TestActionClaim_RewritesOnlyClaimSentences(t *testing.T) {
	g := newGuard(t)
	out := g.Apply(context.Background(), Input{
		Text:   "Thanks for waiting. I've cancelled your order. It has been refunded! Anything else?",
		Locale: "en-GB",
	})
	assert.Equal(t, "Thanks for waiting. I can help with this. Anything else?", content(t, out.Verdict))
}

func TestActionClaim_UnknownLocaleScansAllTables(t *testing.T) {
	g := newGuard(t)
	out := g.Apply(context.Background(), Input{Text: "Siparişinizi iptal ettim.", Locale: "fr"})
	c := content(t, out.Verdict)
	assert.NotContains(t, c, "iptal ettim")
	assert.Equal(t, "I can help with this.", c)
}

func TestActionClaim_ReplyInOtherLanguageIsCaught(t *testing.T) {
	g := newGuard(t)
	out := g.Apply(context.Background(), Input{
		Text:        "I cancelled your order.",
		Locale:      "tr",
		ToolResults: []tools.Result{{Tool: "cancel_order", Status: tools.StatusFail}},
	})
	require.Equal(t, verdict.KindModified, out.Verdict.Kind())
	assert.Equal(t, "Bu konuda size yardımcı olabilirim.", content(t, out.Verdict), "tentative phrase follows the session locale")
	assert.Contains(t, out.Claims.ClaimsFound, "en:first_person_completed")
}

func TestRecipientGuard_ReplyInOtherLanguageIsBlocked(t *testing.T) {
	g := newGuard(t)
	for _, loc := range []string{"tr", "de", "en"} {
		out := g.Apply(context.Background(), Input{
			Text:         "Sure, I will forward this to ops@evil.example for review.",
			Locale:       loc,
			Counterparty: "alice@example.com",
		})
		b, ok := out.Verdict.(verdict.Blocked)
		require.True(t, ok, "locale %s: got %s", loc, out.Verdict.Kind())
		assert.Equal(t, "directive:en:forward_to", b.Detail)
	}
}

func TestActionClaim_NoClaimNoChange(t *testing.T) {
	g := newGuard(t)
	out := g.Apply(context.Background(), Input{Text: "I can cancel the order for you once you confirm.", Locale: "en"})
	assert.Equal(t, verdict.KindAllowed, out.Verdict.Kind())
	assert.False(t, out.Claims.Fired())
}

func TestRecipientGuard(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		wantBlock  bool
		wantDetail string
	}{
		{
			name: "extra structured recipient",
			in: Input{Text: "Here is your invoice.", Locale: "en", Counterparty: "alice@example.com",
				Recipients: []string{"Alice <alice@example.com>", "boss@example.com"}},
			wantBlock:  true,
			wantDetail: "structured_recipient",
		},
		{
			name: "counterparty only",
			in: Input{Text: "Here is your invoice.", Locale: "en", Counterparty: "alice@example.com",
				Recipients: []string{"ALICE@example.com"}},
		},
		{
			name:       "cc header line",
			in:         Input{Text: "Cc: audit@example.com\nHere is your invoice.", Locale: "en", Counterparty: "alice@example.com"},
			wantBlock:  true,
			wantDetail: "header_address",
		},
		{
			name: "to header naming counterparty",
			in:   Input{Text: "To: alice@example.com\nHere is your invoice.", Locale: "en", Counterparty: "alice@example.com"},
		},
		{
			name:       "forward directive",
			in:         Input{Text: "I will forward this to our legal team.", Locale: "en", Counterparty: "alice@example.com"},
			wantBlock:  true,
			wantDetail: "directive:en:forward_to",
		},
		{
			name:      "turkish directive",
			in:        Input{Text: "Bunu muhasebe ekibine iletiyorum.", Locale: "tr", Counterparty: "+905321112233"},
			wantBlock: true,
		},
		{
			name: "html email directive",
			in: Input{Text: "<p>Thanks.</p><p>I'll forward this to <b>legal@acme.com</b></p>", HTML: true,
				Locale: "en", Counterparty: "alice@example.com"},
			wantBlock: true,
		},
	}
	g := newGuard(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := g.Apply(context.Background(), tt.in)
			if !tt.wantBlock {
				assert.NotEqual(t, verdict.KindBlocked, out.Verdict.Kind())
				return
			}
			b, ok := out.Verdict.(verdict.Blocked)
			require.True(t, ok, "expected BLOCKED, got %s", out.Verdict.Kind())
			assert.Equal(t, verdict.ReasonRecipientExpansion, b.Reason)
			assert.Equal(t, NameRecipient, b.BlockedBy)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, b.Detail)
			}
		})
	}
}

func TestHTMLIsReducedToText(t *testing.T) {
	g := newGuard(t)
	out := g.Apply(context.Background(), Input{
		Text:   "<p>Hello &amp; welcome</p><script>alert(1)</script>",
		HTML:   true,
		Locale: "en",
	})
	c := content(t, out.Verdict)
	assert.Contains(t, c, "Hello & welcome")
	assert.NotContains(t, c, "<p>")
	assert.NotContains(t, c, "alert")
}

func TestPIIScrubber_MasksRepeats(t *testing.T) {
	g := newGuard(t)

	t.Run("card", func(t *testing.T) {
		out := g.Apply(context.Background(), Input{
			Text:   "Your card 4111 1111 1111 1111 is on file. Card 4111111111111111 will be charged.",
			Locale: "en",
		})
		c := content(t, out.Verdict)
		assert.Contains(t, c, "4111 1111 1111 1111", "first occurrence kept")
		assert.Contains(t, c, "************1111")
		assert.Equal(t, 1, strings.Count(c, "4111"))
		assert.Equal(t, []string{classifier.TypeCreditCard}, out.Masked)
		assert.Equal(t, []string{NamePIIScrubber}, out.Verdict.(verdict.Modified).ModifiedBy)
	})

	t.Run("phone in two formats", func(t *testing.T) {
		out := g.Apply(context.Background(), Input{
			Text:   "Numaranız +90 532 111 22 33. Sizi 0532 111 22 33 numarasından arayacağız.",
			Locale: "tr",
		})
		c := content(t, out.Verdict)
		assert.Contains(t, c, "+90 532 111 22 33")
		assert.NotContains(t, c, "0532 111 22 33")
		assert.Contains(t, c, "**** *** 22 33")
	})

	t.Run("national id", func(t *testing.T) {
		out := g.Apply(context.Background(), Input{
			Text:   "TC kimlik 10000000146 kayıtlı. Tekrar: 10000000146.",
			Locale: "tr",
		})
		c := content(t, out.Verdict)
		assert.Equal(t, 1, strings.Count(c, "10000000146"))
		assert.Contains(t, c, "*******0146")
	})

	t.Run("single disclosure untouched", func(t *testing.T) {
		out := g.Apply(context.Background(), Input{Text: "Card 4111111111111111 is on file.", Locale: "en"})
		assert.Equal(t, verdict.KindAllowed, out.Verdict.Kind())
	})

	t.Run("repeated email is not masked", func(t *testing.T) {
		out := g.Apply(context.Background(), Input{Text: "Mail a@example.com or a@example.com.", Locale: "en"})
		assert.Equal(t, verdict.KindAllowed, out.Verdict.Kind())
	})
}

func TestPIIScrubber_MaskedTypesAreSorted(t *testing.T) {
	g := newGuard(t)
	text := "Kart 4111 1111 1111 1111, numara +90 532 111 22 33. Tekrar: 4111111111111111 ve 0532 111 22 33."
	for i := 0; i < 20; i++ {
		out := g.Apply(context.Background(), Input{Text: text, Locale: "tr"})
		require.Equal(t, []string{classifier.TypeCreditCard, classifier.TypePhone}, out.Masked)
	}
}

func TestLengthGuard(t *testing.T) {
	g := newGuard(t)
	for _, text := range []string{"", "   ", ".", "<p> </p>"} {
		out := g.Apply(context.Background(), Input{Text: text, HTML: strings.HasPrefix(text, "<"), Locale: "en"})
		b, ok := out.Verdict.(verdict.Blocked)
		require.True(t, ok, "%q should be blocked", text)
		assert.Equal(t, verdict.ReasonEmptyContent, b.Reason)
		assert.Equal(t, NameLength, b.BlockedBy)
	}

	strict := New(locale.MustLoad(), nil, WithMinContentRunes(10))
	out := strict.Apply(context.Background(), Input{Text: "Tamam.", Locale: "tr"})
	assert.Equal(t, verdict.KindBlocked, out.Verdict.Kind())
}

func TestSplitSentences(t *testing.T) {
	text := "Total is 1.5 EUR. Done!\nNext line?  Trailing"
	parts := splitSentences(text)
	assert.Equal(t, []string{"Total is 1.5 EUR. ", "Done!\n", "Next line?  ", "Trailing"}, parts)
	assert.Equal(t, text, strings.Join(parts, ""))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "**** **** **** 1111", mask("4111 1111 1111 1111"))
	assert.Equal(t, "******************3000", mask("DE89370400440532013000"))
	assert.Equal(t, "12", mask("12"))
}
