package constants

// Conversation roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Relationship types
const (
	// RelationshipTalkedTo links a turn's speaker with the session's declared other party
	RelationshipTalkedTo = "talked_to"
	// RelationshipKnows is reserved for explicitly declared acquaintances
	RelationshipKnows = "knows"
)

// Graph node and link types
const (
	NodeTypePerson = "person"
	NodeTypeTopic  = "topic"

	LinkTypeDiscusses = "discusses"
)

// Extraction limits
const (
	// DefaultMaxTopicsPerMessage caps distinct topics returned for one message
	DefaultMaxTopicsPerMessage = 10
	// MinTopicTokenLength is the shortest token considered for topic phrases
	MinTopicTokenLength = 3
	// MaxTopicPhraseTokens is the longest phrase the heuristic classifier emits
	MaxTopicPhraseTokens = 3
	// MinAliasSubstringLength is the shortest alias considered for substring matching
	MinAliasSubstringLength = 3
)

// Projection tunables
const (
	// MinPersonTopicMentions is the PersonTopic link threshold for the full graph view
	MinPersonTopicMentions = 1
	// NodeBaseSize is the size hint for a node with no activity
	NodeBaseSize = 4.0
	// NodeSizeScale multiplies log2(1+count) for the size hint
	NodeSizeScale = 2.5
	// NodeMaxSize caps the size hint so no single node dominates
	NodeMaxSize = 24.0
)

// Person detail defaults
const (
	DefaultHistoryLimit = 50
)

// Rendering colors
const (
	ColorPerson       = "#4f8cff"
	ColorTopic        = "#ff9f43"
	ColorRelationship = "#9aa5b1"
	ColorDiscusses    = "#f6c177"
)
