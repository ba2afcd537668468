package scraper

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// JSON-LD in the wild is loosely typed: the same property can be a string, a
// number, an object or an array depending on the site. The types below accept
// every shape we have seen and never fail the surrounding decode.

// ldText collapses strings, numbers, named objects and arrays to one string.
type ldText string

func (t *ldText) UnmarshalJSON(b []byte) error {
	*t = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			*t = ldText(strings.TrimSpace(s))
		}
	case '{':
		var obj struct {
			Name  ldText `json:"name"`
			Value ldText `json:"@value"`
			ID    ldText `json:"@id"`
		}
		if err := json.Unmarshal(b, &obj); err == nil {
			switch {
			case obj.Name != "":
				*t = obj.Name
			case obj.Value != "":
				*t = obj.Value
			default:
				*t = obj.ID
			}
		}
	case '[':
		var items []ldText
		if err := json.Unmarshal(b, &items); err == nil {
			for _, item := range items {
				if item != "" {
					*t = item
					break
				}
			}
		}
	default:
		// Numbers and booleans keep their literal form, e.g. numeric SKUs.
		*t = ldText(b)
	}
	return nil
}

// ldNumber accepts JSON numbers and numeric strings such as "1,299.00",
// "1.299,00" or "€ 49,90". raw keeps the source text of a value that did not
// parse.
type ldNumber struct {
	value float64
	ok    bool
	raw   string
}

func (n *ldNumber) UnmarshalJSON(b []byte) error {
	*n = ldNumber{}
	var text ldText
	if err := text.UnmarshalJSON(b); err != nil {
		return nil
	}
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		return nil
	}
	v, ok := parseNumber(raw)
	if !ok {
		*n = ldNumber{raw: raw}
		return nil
	}
	*n = ldNumber{value: v, ok: true}
	return nil
}

// parseNumber reads a decimal written with either separator convention. When
// both '.' and ',' appear the later one is the decimal mark. A lone comma
// followed by exactly three digits groups thousands. Currency symbols, spaces
// and apostrophes are ignored.
func parseNumber(raw string) (float64, bool) {
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	}
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r), unicode.Is(unicode.Sc, r), r == '\'', r == '’':
		default:
			if unicode.IsLetter(r) {
				// Currency codes such as "USD 10".
				continue
			}
			return 0, false
		}
	}
	s := b.String()
	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	if s == "" || s == "-" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (n ldNumber) ptr() *float64 {
	if !n.ok {
		return nil
	}
	v := n.value
	return &v
}

// ldTypes accepts "@type" as a single string or an array.
type ldTypes []string

func (t *ldTypes) UnmarshalJSON(b []byte) error {
	*t = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if b[0] == '[' {
		var many []string
		if err := json.Unmarshal(b, &many); err == nil {
			*t = many
		}
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = ldTypes{one}
	}
	return nil
}

func (t ldTypes) has(names ...string) bool {
	for _, typ := range t {
		// Compact IRIs such as "schema:Product" or full "http://schema.org/Product".
		if i := strings.LastIndexAny(typ, ":/"); i >= 0 {
			typ = typ[i+1:]
		}
		for _, name := range names {
			if strings.EqualFold(typ, name) {
				return true
			}
		}
	}
	return false
}

type ldImage struct {
	URL     string
	Primary bool
}

// ldImages accepts a URL string, an ImageObject, or an array of either.
type ldImages []ldImage

func (imgs *ldImages) UnmarshalJSON(b []byte) error {
	*imgs = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return nil
		}
		for _, item := range items {
			var one ldImages
			_ = one.UnmarshalJSON(item)
			*imgs = append(*imgs, one...)
		}
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err == nil && strings.TrimSpace(s) != "" {
			*imgs = ldImages{{URL: strings.TrimSpace(s)}}
		}
	case '{':
		var obj struct {
			URL                  ldText `json:"url"`
			ContentURL           ldText `json:"contentUrl"`
			RepresentativeOfPage ldText `json:"representativeOfPage"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil
		}
		u := obj.ContentURL
		if u == "" {
			u = obj.URL
		}
		if u != "" {
			*imgs = ldImages{{URL: string(u), Primary: strings.EqualFold(string(obj.RepresentativeOfPage), "true")}}
		}
	}
	return nil
}

type ldOffer struct {
	Price         ldNumber    `json:"price"`
	LowPrice      ldNumber    `json:"lowPrice"`
	PriceCurrency ldText      `json:"priceCurrency"`
	ItemCondition ldText      `json:"itemCondition"`
	PriceSpec     ldPriceSpec `json:"priceSpecification"`
}

type ldPriceSpec struct {
	Price         ldNumber `json:"price"`
	PriceCurrency ldText   `json:"priceCurrency"`
}

// UnmarshalJSON keeps the first specification when an array is given.
func (p *ldPriceSpec) UnmarshalJSON(b []byte) error {
	type plain ldPriceSpec
	*p = ldPriceSpec{}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var many []plain
		if err := json.Unmarshal(b, &many); err == nil && len(many) > 0 {
			*p = ldPriceSpec(many[0])
		}
		return nil
	}
	var one plain
	if err := json.Unmarshal(b, &one); err == nil {
		*p = ldPriceSpec(one)
	}
	return nil
}

func (o ldOffer) price() (ldNumber, string) {
	switch {
	case o.Price.ok:
		return o.Price, string(o.PriceCurrency)
	case o.LowPrice.ok:
		return o.LowPrice, string(o.PriceCurrency)
	case o.PriceSpec.Price.ok:
		cur := o.PriceSpec.PriceCurrency
		if cur == "" {
			cur = o.PriceCurrency
		}
		return o.PriceSpec.Price, string(cur)
	}
	// Not ok; carries the unparsed text, if any, for logging.
	return o.Price, string(o.PriceCurrency)
}

// ldOffers accepts a single Offer/AggregateOffer or an array of offers.
type ldOffers []ldOffer

func (o *ldOffers) UnmarshalJSON(b []byte) error {
	*o = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '[':
		var items []ldOffer
		if err := json.Unmarshal(b, &items); err == nil {
			*o = items
		}
	case '{':
		var one struct {
			ldOffer
			Offers ldOffers `json:"offers"`
		}
		if err := json.Unmarshal(b, &one); err == nil {
			*o = append(ldOffers{one.ldOffer}, one.Offers...)
		}
	}
	return nil
}

// best returns the first offer carrying a price.
func (o ldOffers) best() (ldOffer, bool) {
	for _, offer := range o {
		if p, _ := offer.price(); p.ok {
			return offer, true
		}
	}
	if len(o) > 0 {
		return o[0], false
	}
	return ldOffer{}, false
}

type ldRating struct {
	RatingValue ldNumber `json:"ratingValue"`
	ReviewCount ldNumber `json:"reviewCount"`
	RatingCount ldNumber `json:"ratingCount"`
}

func (r *ldRating) UnmarshalJSON(b []byte) error {
	type plain ldRating
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		*r = ldRating{}
		return nil
	}
	*r = ldRating(v)
	return nil
}

// ldProduct is the subset of schema.org/Product we persist.
type ldProduct struct {
	Type            ldTypes  `json:"@type"`
	Name            ldText   `json:"name"`
	SKU             ldText   `json:"sku"`
	ProductID       ldText   `json:"productID"`
	MPN             ldText   `json:"mpn"`
	Brand           ldText   `json:"brand"`
	Model           ldText   `json:"model"`
	Category        ldText   `json:"category"`
	ItemCondition   ldText   `json:"itemCondition"`
	Offers          ldOffers `json:"offers"`
	AggregateRating ldRating `json:"aggregateRating"`
	Image           ldImages `json:"image"`
}

// ldEnvelope is just enough of a node to find Products inside graphs.
type ldEnvelope struct {
	Type       ldTypes         `json:"@type"`
	Graph      json.RawMessage `json:"@graph"`
	MainEntity json.RawMessage `json:"mainEntity"`
}

type productNode struct {
	raw     json.RawMessage
	product ldProduct
}

// findProducts walks a JSON-LD document and returns every Product node in
// document order together with its verbatim JSON.
func findProducts(doc []byte) []productNode {
	var out []productNode
	walkLD(bytes.TrimSpace(doc), 0, &out)
	return out
}

const maxLDDepth = 4

func walkLD(raw []byte, depth int, out *[]productNode) {
	if len(raw) == 0 || depth > maxLDDepth {
		return
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return
		}
		for _, item := range items {
			walkLD(bytes.TrimSpace(item), depth+1, out)
		}
	case '{':
		var env ldEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}
		if env.Type.has("Product", "ProductGroup", "IndividualProduct", "ProductModel") {
			var p ldProduct
			if err := json.Unmarshal(raw, &p); err == nil {
				*out = append(*out, productNode{raw: append(json.RawMessage(nil), raw...), product: p})
			}
			return
		}
		walkLD(bytes.TrimSpace(env.Graph), depth+1, out)
		walkLD(bytes.TrimSpace(env.MainEntity), depth+1, out)
	}
}
