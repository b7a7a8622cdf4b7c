package classifier

// builtinVocabulary seeds the known-topic index with common subjects and their categories
var builtinVocabulary = map[string]string{
	"real estate":             "property",
	"mortgage":                "finance",
	"investing":               "finance",
	"stocks":                  "finance",
	"crypto":                  "finance",
	"budget":                  "finance",
	"taxes":                   "finance",
	"sailing":                 "hobby",
	"hiking":                  "hobby",
	"cooking":                 "hobby",
	"photography":             "hobby",
	"gardening":               "hobby",
	"fishing":                 "hobby",
	"painting":                "hobby",
	"music":                   "entertainment",
	"movies":                  "entertainment",
	"concert":                 "entertainment",
	"video games":             "entertainment",
	"football":                "sports",
	"soccer":                  "sports",
	"basketball":              "sports",
	"tennis":                  "sports",
	"marathon":                "sports",
	"yoga":                    "health",
	"fitness":                 "health",
	"diet":                    "health",
	"vacation":                "travel",
	"road trip":               "travel",
	"wedding":                 "family",
	"birthday":                "family",
	"kids":                    "family",
	"school":                  "education",
	"university":              "education",
	"job interview":           "work",
	"promotion":               "work",
	"startup":                 "work",
	"machine learning":        "technology",
	"artificial intelligence": "technology",
	"programming":             "technology",
	"politics":                "news",
	"election":                "news",
	"climate change":          "environment",
}

var stopWords = toSet(
	// function words
	"the", "and", "but", "for", "nor", "yet", "with", "without", "that", "this", "these", "those",
	"there", "their", "theirs", "they", "them", "then", "than", "what", "when", "where", "which",
	"while", "who", "whom", "whose", "why", "how", "you", "your", "yours", "our", "ours", "his",
	"her", "hers", "its", "him", "she", "from", "into", "onto", "over", "under", "again", "very",
	"some", "any", "all", "each", "every", "more", "most", "much", "many", "such", "only", "own",
	"same", "other", "not", "yes", "can", "cannot", "about", "after", "before", "during", "because",
	"since", "until", "also", "just", "too", "here", "out", "off", "down", "upon", "both", "either",
	"neither", "whether", "though", "although", "via", "per", "around", "through", "between",
	"myself", "yourself", "himself", "herself", "itself", "ourselves", "themselves", "one", "two",
	"three", "first", "last", "next", "new", "old", "good", "great", "big", "little", "lot", "lots",
	// auxiliaries and contractions
	"are", "was", "were", "been", "being", "have", "has", "had", "having", "did", "does", "doing",
	"done", "will", "would", "could", "should", "shall", "might", "must", "may", "i'm", "i've",
	"i'll", "i'd", "it's", "that's", "there's", "we're", "we've", "you're", "they're", "don't",
	"doesn't", "didn't", "can't", "won't", "isn't", "aren't", "wasn't", "let's", "he's", "she's",
	// conversational verbs and fillers
	"discussed", "discuss", "discussing", "talked", "talk", "talking", "said", "say", "says",
	"told", "tell", "telling", "asked", "ask", "asking", "mentioned", "mention", "chatted", "chat",
	"went", "going", "gone", "come", "came", "coming", "think", "thought", "thinking", "know",
	"knew", "known", "want", "wanted", "need", "needed", "got", "get", "getting", "make", "made",
	"take", "took", "see", "saw", "seen", "look", "looked", "looking", "like", "liked", "really",
	"maybe", "yeah", "okay", "sure", "well", "actually", "pretty", "kind", "sort", "thing",
	"things", "stuff", "something", "anything", "nothing", "everything", "someone", "anyone",
	"everyone", "guess", "mean", "meant", "let", "lets", "still", "even", "ever", "never", "always",
	"yesterday", "today", "tomorrow", "tonight", "now", "soon", "later", "ago",
)

func toSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
