package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_export_backend/utils"
	"github.com/shopspring/decimal"
)

// BalanceTolerance is the maximum allowed |sum(debit) - sum(credit)| for an
// entry to be considered balanced.
var BalanceTolerance = decimal.NewFromFloat(0.01)

// JournalEntryLine is one debit/credit leg of a journal entry.
type JournalEntryLine struct {
	Account string          `json:"account" binding:"required"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
}

// JournalEntryInput is a locally generated journal entry handed to the export
// pipeline. It is produced by the categorizer and immutable once received.
type JournalEntryInput struct {
	LogicalId string             `json:"logical_id" binding:"required"`
	Date      time.Time          `json:"date" binding:"required"`
	Memo      string             `json:"memo"`
	Lines     []JournalEntryLine `json:"lines" binding:"required,min=2,dive"`
	Total     decimal.Decimal    `json:"total"`
}

func (input *JournalEntryInput) TotalDebit() decimal.Decimal {
	total := decimal.Zero
	for _, l := range input.Lines {
		total = total.Add(l.Debit)
	}
	return total
}

// BalanceGap returns |sum(debit) - sum(credit)| across all lines.
func (input *JournalEntryInput) BalanceGap() decimal.Decimal {
	gap := decimal.Zero
	for _, l := range input.Lines {
		gap = gap.Add(l.Debit).Sub(l.Credit)
	}
	return gap.Abs()
}

// CheckBalanced fails with UNBALANCED_JE when the entry's debit/credit legs
// differ by more than BalanceTolerance. Called before any record is written.
func (input *JournalEntryInput) CheckBalanced() error {
	gap := input.BalanceGap()
	if gap.GreaterThan(BalanceTolerance) {
		return utils.NewDomainError(utils.ErrCodeUnbalancedJE,
			fmt.Sprintf("journal entry is unbalanced by %s", gap.StringFixed(4)))
	}
	return nil
}

// EffectiveTotal is the total used for hashing: the explicit total when given,
// otherwise the debit sum.
func (input *JournalEntryInput) EffectiveTotal() decimal.Decimal {
	if !input.Total.IsZero() {
		return input.Total
	}
	return input.TotalDebit()
}

// ExportPayloadHash is the deterministic content hash used as the idempotency
// key for one logical journal entry. Lines are sorted by (account, debit,
// credit) so caller-side line ordering never changes the hash; amounts render
// at fixed 4-decimal precision so representation differences never do either.
// Any semantic change (amount, account, date, tenant, logical id) changes it.
func ExportPayloadHash(businessId string, input *JournalEntryInput) string {
	lines := make([]JournalEntryLine, len(input.Lines))
	copy(lines, input.Lines)
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Account != lines[j].Account {
			return lines[i].Account < lines[j].Account
		}
		if !lines[i].Debit.Equal(lines[j].Debit) {
			return lines[i].Debit.LessThan(lines[j].Debit)
		}
		return lines[i].Credit.LessThan(lines[j].Credit)
	})

	var b strings.Builder
	b.WriteString(businessId)
	b.WriteByte('|')
	b.WriteString(input.LogicalId)
	b.WriteByte('|')
	b.WriteString(input.Date.UTC().Format("2006-01-02"))
	b.WriteByte('|')
	b.WriteString(input.EffectiveTotal().StringFixed(4))
	for _, l := range lines {
		b.WriteByte('|')
		b.WriteString(l.Account)
		b.WriteByte(':')
		b.WriteString(l.Debit.StringFixed(4))
		b.WriteByte(':')
		b.WriteString(l.Credit.StringFixed(4))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
