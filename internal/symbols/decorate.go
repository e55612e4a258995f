package symbols

import (
	"arbflow/models"
)

// DecorateQuote stamps display metadata onto a quote so subscribers receive
// self-describing events.
func (r *Registry) DecorateQuote(q models.Quote) models.DisplayQuote {
	dq := models.DisplayQuote{
		Exchange:      q.Exchange,
		Symbol:        q.Pair,
		DisplaySymbol: q.Pair,
		BidPrice:      q.BidPrice,
		AskPrice:      q.AskPrice,
		BidVolume:     q.BidVolume,
		AskVolume:     q.AskVolume,
		Timestamp:     q.Timestamp,
	}
	if sym, ok := r.Describe(q.Pair); ok {
		dq.DisplaySymbol = sym.DisplayName
		dq.BaseCurrency = sym.Base
		dq.CurrencyName = sym.CurrencyName
	}
	return dq
}

// DecorateOpportunity fills the display fields of an opportunity.
func (r *Registry) DecorateOpportunity(o models.Opportunity) models.Opportunity {
	if sym, ok := r.Describe(o.Pair); ok {
		o.DisplaySymbol = sym.DisplayName
		o.CurrencyName = sym.CurrencyName
	}
	return o
}

// DecorateOpportunities decorates a batch in place order.
func (r *Registry) DecorateOpportunities(opps []models.Opportunity) []models.Opportunity {
	out := make([]models.Opportunity, len(opps))
	for i, o := range opps {
		out[i] = r.DecorateOpportunity(o)
	}
	return out
}
