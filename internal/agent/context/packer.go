// Package context provides context management for agent conversations.
//
// This package handles:
//   - Context packing: selecting which messages to include in LLM requests
//   - Rolling summaries: compressing old history into summaries
//   - Budget management: staying within token/char limits
package context

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Numeric context-window constants. Chars are estimated at 4 chars/token,
// the same heuristic the packer and summarizer both use.
const (
	// MaxContextTokens is the hard ceiling a provider's context window is
	// assumed to support.
	MaxContextTokens = 200000

	// SafeContextTokens is the usage level considered safe headroom below
	// MaxContextTokens.
	SafeContextTokens = 180000

	// SummarizeTriggerTokens is the token-estimate level above which
	// summarization becomes desirable, independent of the message-count
	// trigger in SummarizationConfig.
	SummarizeTriggerTokens = 100000

	// MaxImageDataChars bounds how many characters of an inlined
	// base64/image-like tool result payload are kept before truncation.
	MaxImageDataChars = 100000

	// CharsPerToken is the token estimator heuristic used throughout.
	CharsPerToken = 4

	// HardMessageCap is an absolute ceiling on packed message count applied
	// on top of (not instead of) summarization.
	HardMessageCap = 32

	// DefaultMaxToolResultChars is the default per-tool-result truncation
	// ceiling.
	DefaultMaxToolResultChars = 40000
)

// imageLikeToolResultKeys are dict-shaped tool result keys that tend to
// carry large payloads and get truncated more aggressively than plain text.
var imageLikeToolResultKeys = []string{"data", "data_url", "markdown", "content", "base64"}

// PackOptions configures how messages are packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on number of messages to include.
	// Default: 32 (HardMessageCap).
	MaxMessages int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	// Default: 30000 (~7500 tokens at 4 chars/token).
	MaxChars int

	// MaxToolResultChars is the max chars per tool result content.
	// Longer results are truncated. Default: 40000.
	MaxToolResultChars int

	// IncludeSummary controls whether to include the rolling summary.
	IncludeSummary bool

	// SummaryMetadataKey is the metadata key marking summary messages.
	// Default: "nexus_summary".
	SummaryMetadataKey string
}

// DefaultPackOptions returns sensible defaults for context packing.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        HardMessageCap,
		MaxChars:           30000,
		MaxToolResultChars: DefaultMaxToolResultChars,
		IncludeSummary:     true,
		SummaryMetadataKey: SummaryMetadataKey,
	}
}

// Packer selects and prepares messages for LLM context.
type Packer struct {
	opts PackOptions
}

// NewPacker creates a new context packer with the given options.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = HardMessageCap
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if opts.SummaryMetadataKey == "" {
		opts.SummaryMetadataKey = SummaryMetadataKey
	}
	return &Packer{opts: opts}
}

// PackResult is the return value of PackWithDiagnostics: the packed
// messages plus the diagnostics explaining every inclusion/drop decision.
type PackResult struct {
	Messages    []*models.Message
	Diagnostics *models.ContextEventPayload
}

// Pack selects messages from history to fit within budget.
//
// The packed result includes (in order):
//  1. Summary message (if IncludeSummary and summary exists)
//  2. Recent messages from history (newest first, up to budget)
//  3. The incoming user message
//
// Tool result content is truncated to MaxToolResultChars.
// Messages are selected from the end (most recent) backwards until
// either MaxMessages or MaxChars is reached.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message, summary *models.Message) ([]*models.Message, error) {
	messages, _ := p.pack(history, incoming, summary, false)
	return messages, nil
}

// PackWithDiagnostics behaves like Pack but also returns a full accounting
// of the packing decision: budget usage, and per-message kind/reason for
// every candidate, summary, and incoming item.
func (p *Packer) PackWithDiagnostics(history []*models.Message, incoming *models.Message, summary *models.Message) *PackResult {
	messages, diag := p.pack(history, incoming, summary, true)
	return &PackResult{Messages: messages, Diagnostics: diag}
}

func (p *Packer) pack(history []*models.Message, incoming *models.Message, summary *models.Message, withDiagnostics bool) ([]*models.Message, *models.ContextEventPayload) {
	// Filter out summary messages from history (handled separately).
	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || p.isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}

	totalChars := 0
	totalMsgs := 0
	if incoming != nil {
		totalChars += p.messageChars(incoming)
		totalMsgs++
	}
	includeSummary := p.opts.IncludeSummary && summary != nil
	if includeSummary {
		totalChars += p.messageChars(summary)
		totalMsgs++
	}

	// Select messages from the end (most recent) backwards.
	selectedReverse := make([]*models.Message, 0, len(filtered))
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		msgChars := p.messageChars(m)
		if totalMsgs+1 > p.opts.MaxMessages || totalChars+msgChars > p.opts.MaxChars {
			break
		}
		selectedReverse = append(selectedReverse, m)
		totalMsgs++
		totalChars += msgChars
	}

	numIncluded := len(selectedReverse)
	cut := len(filtered) - numIncluded

	// Never let the selected window start with an orphaned tool result.
	if cut > 0 {
		if adjusted := SafeTruncationStart(filtered, cut); adjusted != cut {
			cut = adjusted
			numIncluded = len(filtered) - cut
		}
	}

	selected := make([]*models.Message, numIncluded)
	for i, m := range filtered[cut:] {
		selected[i] = m
	}

	var diag *models.ContextEventPayload
	if withDiagnostics {
		diag = &models.ContextEventPayload{
			BudgetChars:    p.opts.MaxChars,
			BudgetMessages: p.opts.MaxMessages,
			Candidates:     len(filtered),
			Included:       numIncluded,
			Dropped:        len(filtered) - numIncluded,
		}
		diag.Items = make([]models.ContextPackItem, 0, len(filtered)+2)
		for i, m := range filtered {
			included := i >= cut
			reason := models.ContextReasonOverBudget
			if included {
				reason = models.ContextReasonIncluded
			}
			diag.Items = append(diag.Items, models.ContextPackItem{
				ID:       itemID(m),
				Kind:     classifyItemKind(m),
				Chars:    p.messageChars(m),
				Included: included,
				Reason:   reason,
			})
		}
	}

	var result []*models.Message

	if includeSummary {
		result = append(result, summary)
		if withDiagnostics {
			sc := p.messageChars(summary)
			diag.SummaryUsed = true
			diag.SummaryChars = sc
			diag.UsedChars += sc
			diag.UsedMessages++
			diag.Items = append(diag.Items, models.ContextPackItem{
				ID:       itemID(summary),
				Kind:     models.ContextItemSummary,
				Chars:    sc,
				Included: true,
				Reason:   models.ContextReasonReserved,
			})
		}
	}

	for _, m := range selected {
		packed := p.truncateToolResults(m)
		result = append(result, packed)
		if withDiagnostics {
			diag.UsedChars += p.messageChars(packed)
		}
	}
	if withDiagnostics {
		diag.UsedMessages += numIncluded
	}

	if incoming != nil {
		result = append(result, incoming)
		if withDiagnostics {
			ic := p.messageChars(incoming)
			diag.UsedChars += ic
			diag.UsedMessages++
			diag.Items = append(diag.Items, models.ContextPackItem{
				ID:       itemID(incoming),
				Kind:     models.ContextItemIncoming,
				Chars:    ic,
				Included: true,
				Reason:   models.ContextReasonReserved,
			})
		}
	}

	return result, diag
}

// classifyItemKind categorizes a history message for diagnostics. Summary
// and incoming messages are classified separately by their caller since
// they're handled outside the history loop.
func classifyItemKind(m *models.Message) models.ContextItemKind {
	if m == nil {
		return models.ContextItemHistory
	}
	if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
		return models.ContextItemTool
	}
	return models.ContextItemHistory
}

// itemID returns a short, stable identifier for a message's diagnostic
// entry. It is a truncated hash, not the message content itself.
func itemID(m *models.Message) string {
	if m == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(m.ID + "|" + m.Content))
	return hex.EncodeToString(sum[:])[:12]
}

// messageChars estimates the character count for a message.
func (p *Packer) messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	return chars
}

// isSummaryMessage checks if a message is a summary marker.
func (p *Packer) isSummaryMessage(m *models.Message) bool {
	if m.Metadata == nil {
		return false
	}
	val, ok := m.Metadata[p.opts.SummaryMetadataKey]
	if !ok {
		return false
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return false
}

// truncateToolResults returns a copy with truncated tool result content.
// Content that looks like an inlined image/base64 payload (the well-known
// data/data_url/markdown/content/base64 keys embedded in the text, or a
// long run with no whitespace) is replaced with a short sentinel instead
// of a partial prefix, since a truncated data URI is not useful context.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	if len(m.ToolResults) == 0 {
		return m
	}

	needsTruncation := false
	for _, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	cp := *m
	cp.ToolResults = make([]models.ToolResult, len(m.ToolResults))
	for i, tr := range m.ToolResults {
		if len(tr.Content) > p.opts.MaxToolResultChars {
			truncated := tr
			truncated.Content = truncateResultContent(tr.Content, p.opts.MaxToolResultChars)
			cp.ToolResults[i] = truncated
		} else {
			cp.ToolResults[i] = tr
		}
	}
	return &cp
}

// truncateResultContent applies the dict/list-aware truncation policy to a
// single tool result's content string.
func truncateResultContent(content string, limit int) string {
	if looksLikeImageData(content) {
		return "[truncated: image/base64 data omitted]"
	}
	return content[:limit] + "\n...[truncated]"
}

// looksLikeImageData is a cheap heuristic for base64/image-like payloads:
// content that mentions one of the known large-payload keys, or that is a
// single very long run without whitespace (typical of an inlined data URI
// or base64 blob rather than prose).
func looksLikeImageData(content string) bool {
	for _, key := range imageLikeToolResultKeys {
		if strings.Contains(content, "\""+key+"\"") {
			return true
		}
	}
	if len(content) > MaxImageDataChars/2 && !strings.ContainsAny(content[:2000], " \n\t\r") {
		return true
	}
	return false
}
