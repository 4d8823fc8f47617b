package cohort

// rule maps a fixed set of source values onto one label.
type rule struct {
	label  string
	values []string
}

func (r rule) matches(v string) bool {
	for _, x := range r.values {
		if x == v {
			return true
		}
	}
	return false
}

const unknownRace = "Unknown"

var (
	hispanic          = []string{"Hispanic"}
	hispanicEthnicity = []string{"Hispanic", "Hispanic or Latino"}
	asian             = []string{"Asian", "Asian Indian", "Bangladeshi", "Bhutanese", "Burmese", "Cambodian", "Chinese", "Filipino", "Hmong", "Indonesian", "Japanese", "Korean", "Laotian", "Malaysian", "Maldivian", "Nepalese", "Okinawan", "Pakistani", "Singaporean", "Sri Lankan", "Taiwanese", "Thai", "Vietnamese"}
	black             = []string{"African", "African American", "Barbadian", "Black", "Black or African American", "Dominica Islander", "Haitian", "Jamaican", "Madagascar", "Trinidadian", "West Indian"}
	white             = []string{"White", "White or Caucasian"}
	pacificIslander   = []string{"Melanesian", "Micronesian", "Native Hawaiian or Other Pacific Islander", "Other Pacific Islander", "Polynesian", "Native Hawaiian and Other Pacific Islander"}
	nativeAmerican    = []string{"American Indian or Alaska Native", "American Indian and Alaska Native"}
	otherRace         = []string{"More than one race", "Multiple race", "Multiple races", "Other", "Other Race"}
	unknown           = []string{"Asian or Pacific Islander", "No Information", "No matching concept", "Refuse to Answer", "Unknown", "Unknown racial group", "Patient Unavailable", "Patient Refused", "Unavailable"}
)

// raceRules are evaluated in order; the first match wins.
var raceRules = []rule{
	{"Hispanic or Latino", hispanic},
	{"Asian", asian},
	{"Black or African American", black},
	{"White", white},
	{"Native Hawaiian or Other Pacific Islander", pacificIslander},
	{"American Indian or Alaska Native", nativeAmerican},
	{"Other", otherRace},
	{unknownRace, unknown},
}

var raceEthnicityRules = []rule{
	{"Hispanic or Latino Any Race", hispanicEthnicity},
	{"Asian Non-Hispanic", asian},
	{"Black or African American Non-Hispanic", black},
	{"White Non-Hispanic", white},
	{"Native Hawaiian or Other Pacific Islander Non-Hispanic", pacificIslander},
	{"American Indian or Alaska Native Non-Hispanic", nativeAmerican},
	{"Other Non-Hispanic", otherRace},
	{unknownRace, unknown},
}

func classify(rules []rule, v string) string {
	for _, r := range rules {
		if r.matches(v) {
			return r.label
		}
	}
	return unknownRace
}

// Race maps a race source value onto the race taxonomy.
func Race(source string) string {
	return classify(raceRules, source)
}

// RaceEthnicity maps a race source value onto the combined race/ethnicity taxonomy.
func RaceEthnicity(source string) string {
	return classify(raceEthnicityRules, source)
}
