package proto

import "strings"

// Country is the internal one-byte country code. Code 0 is Unknown, codes
// 1..NumCountries-1 follow Countries, and Worldwide is the aggregate sentinel.
type Country uint8

const (
	Unknown   Country = 0
	Worldwide Country = 255
)

// Countries holds the ISO 3166-1 alpha-2 code for every country code in
// canonical order. The heatmap in StatsReply follows this order.
var Countries = [...]string{
	"ZZ", "AD", "AE", "AF", "AG", "AI", "AL", "AM", "AO", "AQ", "AR", "AS", "AT", "AU", "AW", "AX",
	"AZ", "BA", "BB", "BD", "BE", "BF", "BG", "BH", "BI", "BJ", "BL", "BM", "BN", "BO", "BQ", "BR",
	"BS", "BT", "BV", "BW", "BY", "BZ", "CA", "CC", "CD", "CF", "CG", "CH", "CI", "CK", "CL", "CM",
	"CN", "CO", "CR", "CU", "CV", "CW", "CX", "CY", "CZ", "DE", "DJ", "DK", "DM", "DO", "DZ", "EC",
	"EE", "EG", "EH", "ER", "ES", "ET", "FI", "FJ", "FK", "FM", "FO", "FR", "GA", "GB", "GD", "GE",
	"GF", "GG", "GH", "GI", "GL", "GM", "GN", "GP", "GQ", "GR", "GS", "GT", "GU", "GW", "GY", "HK",
	"HM", "HN", "HR", "HT", "HU", "ID", "IE", "IL", "IM", "IN", "IO", "IQ", "IR", "IS", "IT", "JE",
	"JM", "JO", "JP", "KE", "KG", "KH", "KI", "KM", "KN", "KP", "KR", "KW", "KY", "KZ", "LA", "LB",
	"LC", "LI", "LK", "LR", "LS", "LT", "LU", "LV", "LY", "MA", "MC", "MD", "ME", "MF", "MG", "MH",
	"MK", "ML", "MM", "MN", "MO", "MP", "MQ", "MR", "MS", "MT", "MU", "MV", "MW", "MX", "MY", "MZ",
	"NA", "NC", "NE", "NF", "NG", "NI", "NL", "NO", "NP", "NR", "NU", "NZ", "OM", "PA", "PE", "PF",
	"PG", "PH", "PK", "PL", "PM", "PN", "PR", "PS", "PT", "PW", "PY", "QA", "RE", "RO", "RS", "RU",
	"RW", "SA", "SB", "SC", "SD", "SE", "SG", "SH", "SI", "SJ", "SK", "SL", "SM", "SN", "SO", "SR",
	"SS", "ST", "SV", "SX", "SY", "SZ", "TC", "TD", "TF", "TG", "TH", "TJ", "TK", "TL", "TM", "TN",
	"TO", "TR", "TT", "TV", "TW", "TZ", "UA", "UG", "UM", "US", "UY", "UZ", "VA", "VC", "VE", "VG",
	"VI", "VN", "VU", "WF", "WS", "YE", "YT", "ZA", "ZM", "ZW",
}

const NumCountries = len(Countries)

var countryIndex = func() map[string]Country {
	m := make(map[string]Country, NumCountries)
	for i, iso := range Countries {
		if i == int(Unknown) {
			continue
		}
		m[iso] = Country(i)
	}
	return m
}()

// ParseCountry maps an ISO alpha-2 code to its internal code. "WW" names
// Worldwide.
func ParseCountry(iso string) (Country, bool) {
	iso = strings.ToUpper(strings.TrimSpace(iso))
	if iso == "WW" {
		return Worldwide, true
	}
	c, ok := countryIndex[iso]
	return c, ok
}

// Known reports whether c has a heatmap slot.
func (c Country) Known() bool {
	return int(c) < NumCountries
}

func (c Country) String() string {
	switch {
	case c == Worldwide:
		return "WW"
	case c.Known():
		return Countries[c]
	default:
		return "??"
	}
}
