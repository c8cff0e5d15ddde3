// Package billing is a usage-based billing engine for Go applications.
//
// It is a library, not a service. Given a priced product and a stream of
// usage events it:
//
//   - resolves the usage price and tier that apply to each event
//   - computes the fee in the price's asset without intermediate rounding
//   - draws the fee from the customer's credit grants, soonest-expiring first,
//     converting between assets at the rate effective when the event occurred
//   - debits whatever the grants did not cover from the customer's wallet
//   - records exactly one settlement per event ID
//
// # Quick Start
//
//	import (
//	    "github.com/credyt/billing"
//	    "github.com/credyt/billing/store/memory"
//	)
//
//	engine := billing.New(memory.New(),
//	    billing.WithWallet(myWallet),
//	    billing.WithCanonicalAsset("USD"),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Core Concepts
//
// Assets are the units of value: fiat currencies such as USD and custom
// units such as CREDITS. Exchange rates between them are time-ordered per
// directed pair; the rate in force at T is the latest one effective at or
// before T.
//
// Products carry prices. A usage price is selected by event type and
// computes a fee per unit, per volume, or both:
//
//	p := &product.Product{
//	    Code: "llm",
//	    Name: "LLM API",
//	    Prices: []product.Price{{
//	        Type:             product.PriceUsage,
//	        EventType:        "completion",
//	        AssetCode:        "USD",
//	        UsageCalculation: product.CalcVolume,
//	        VolumeField:      "total_tokens",
//	        UnitPrice:        decimal.RequireFromString("0.00003"),
//	    }},
//	}
//
// Prices may bundle entitlements. Subscribing a customer to the product
// issues a credit grant per entitlement, which later fees draw down.
//
// Billing is idempotent: a redelivered event returns the stored result and
// never charges twice. Events that cannot be priced because of a
// configuration problem are quarantined until Release is called.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	prod_01h2xcejqtf2nbrexx3vqjhp41   // Product ID
//	grant_01h2xcejqtf2nbrexx3vqjhp41  // Credit grant ID
//	stl_01h455vb4pex5vsknk084sn02q    // Settlement ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package billing
