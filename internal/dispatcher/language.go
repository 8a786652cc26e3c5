package dispatcher

// LanguageUnknown — язык не определён.
const LanguageUnknown = "unknown"

// languageOrder — порядок проверки при равном счёте.
var languageOrder = []string{"en", "ru", "de", "fr", "es"}

// stopWords — частотные служебные слова языков.
var stopWords = map[string]map[string]struct{}{
	"en": set("the", "and", "of", "to", "is", "in", "that", "it", "for", "with", "as", "was", "on", "are", "this", "be", "by", "not"),
	"ru": set("и", "в", "не", "на", "что", "с", "по", "это", "как", "для", "из", "от", "к", "о", "но", "он", "она", "они"),
	"de": set("der", "die", "und", "das", "ist", "nicht", "zu", "den", "mit", "ein", "eine", "von", "sich", "auf", "für", "dem", "ich"),
	"fr": set("le", "les", "et", "est", "des", "une", "pour", "dans", "pas", "du", "sur", "avec", "au", "ce", "il", "qui"),
	"es": set("el", "los", "las", "y", "es", "en", "por", "para", "con", "no", "una", "lo", "del", "se", "al", "como"),
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// DetectLanguage определяет язык текста по доле служебных слов.
// Требуется не менее двух совпадений и 5% слов текста.
func DetectLanguage(text string) string {
	tokens := words(text)
	if len(tokens) == 0 {
		return LanguageUnknown
	}

	best, bestScore := LanguageUnknown, 0
	for _, lang := range languageOrder {
		score := 0
		for _, w := range tokens {
			if _, ok := stopWords[lang][w]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}

	if bestScore < 2 || bestScore*20 < len(tokens) {
		return LanguageUnknown
	}
	return best
}
