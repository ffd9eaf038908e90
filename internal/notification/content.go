package notification

import (
	"fmt"
	"strings"
)

// ContentKind is the closed set of content variants.
type ContentKind uint8

const (
	KindNormal ContentKind = iota + 1
	KindLongText
	KindMultiLine
	KindPicture
	KindConversation
	KindMedia
)

func (k ContentKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindLongText:
		return "long_text"
	case KindMultiLine:
		return "multi_line"
	case KindPicture:
		return "picture"
	case KindConversation:
		return "conversation"
	case KindMedia:
		return "media"
	default:
		return fmt.Sprintf("content(%d)", uint8(k))
	}
}

// Basic holds the text fields common to every kind.
type Basic struct {
	Title          string
	Text           string
	AdditionalText string
}

type LongText struct {
	Basic
	LongText     string
	BriefText    string
	ExpandedText string
}

type MultiLine struct {
	Basic
	BriefText    string
	ExpandedText string
	Lines        []string
}

type Picture struct {
	Basic
	BriefText    string
	ExpandedText string
	// PictureRef is an opaque reference (URI or blob id); notifd never loads it.
	PictureRef string
}

type Message struct {
	Sender string
	Text   string
	SentAt int64 // unix ms
}

type Conversation struct {
	Basic
	UserName          string
	ConversationTitle string
	Group             bool
	Messages          []Message
}

type Media struct {
	Basic
	// ShownActions indexes the action buttons shown in compact view.
	ShownActions []int32
}

// Content is a tagged variant: exactly the field named by Kind is set.
// Use the constructors; consumers switch on Kind.
type Content struct {
	Kind         ContentKind
	Normal       *Basic
	LongText     *LongText
	MultiLine    *MultiLine
	Picture      *Picture
	Conversation *Conversation
	Media        *Media
}

func NormalContent(b Basic) Content { return Content{Kind: KindNormal, Normal: &b} }
func LongTextContent(c LongText) Content {
	return Content{Kind: KindLongText, LongText: &c}
}
func MultiLineContent(c MultiLine) Content {
	return Content{Kind: KindMultiLine, MultiLine: &c}
}
func PictureContent(c Picture) Content { return Content{Kind: KindPicture, Picture: &c} }
func ConversationContent(c Conversation) Content {
	return Content{Kind: KindConversation, Conversation: &c}
}
func MediaContent(c Media) Content { return Content{Kind: KindMedia, Media: &c} }

// Title returns the display title regardless of kind.
func (c Content) Title() string {
	switch c.Kind {
	case KindNormal:
		if c.Normal != nil {
			return c.Normal.Title
		}
	case KindLongText:
		if c.LongText != nil {
			return c.LongText.Title
		}
	case KindMultiLine:
		if c.MultiLine != nil {
			return c.MultiLine.Title
		}
	case KindPicture:
		if c.Picture != nil {
			return c.Picture.Title
		}
	case KindConversation:
		if c.Conversation != nil {
			if c.Conversation.ConversationTitle != "" {
				return c.Conversation.ConversationTitle
			}
			return c.Conversation.Title
		}
	case KindMedia:
		if c.Media != nil {
			return c.Media.Title
		}
	}
	return ""
}

// Validate enforces the required fields of the declared kind and that no
// other variant is populated.
func (c Content) Validate() error {
	set := 0
	for _, p := range []bool{c.Normal != nil, c.LongText != nil, c.MultiLine != nil, c.Picture != nil, c.Conversation != nil, c.Media != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return Validationf("content must carry exactly one variant, got %d", set)
	}

	blank := func(s string) bool { return strings.TrimSpace(s) == "" }
	switch c.Kind {
	case KindNormal:
		if c.Normal == nil {
			return Validationf("normal content missing")
		}
		if blank(c.Normal.Title) {
			return Validationf("normal content requires a title")
		}
	case KindLongText:
		if c.LongText == nil {
			return Validationf("long text content missing")
		}
		if blank(c.LongText.Title) || blank(c.LongText.LongText) {
			return Validationf("long text content requires title and long text")
		}
	case KindMultiLine:
		if c.MultiLine == nil {
			return Validationf("multi line content missing")
		}
		if blank(c.MultiLine.Title) || len(c.MultiLine.Lines) == 0 {
			return Validationf("multi line content requires title and at least one line")
		}
	case KindPicture:
		if c.Picture == nil {
			return Validationf("picture content missing")
		}
		if blank(c.Picture.Title) || blank(c.Picture.PictureRef) {
			return Validationf("picture content requires title and picture")
		}
	case KindConversation:
		if c.Conversation == nil {
			return Validationf("conversation content missing")
		}
		if blank(c.Conversation.UserName) || len(c.Conversation.Messages) == 0 {
			return Validationf("conversation content requires user name and at least one message")
		}
	case KindMedia:
		if c.Media == nil {
			return Validationf("media content missing")
		}
		if blank(c.Media.Title) {
			return Validationf("media content requires a title")
		}
	default:
		return Validationf("unknown content kind %d", c.Kind)
	}
	return nil
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	out := Content{Kind: c.Kind}
	if c.Normal != nil {
		v := *c.Normal
		out.Normal = &v
	}
	if c.LongText != nil {
		v := *c.LongText
		out.LongText = &v
	}
	if c.MultiLine != nil {
		v := *c.MultiLine
		v.Lines = append([]string(nil), c.MultiLine.Lines...)
		out.MultiLine = &v
	}
	if c.Picture != nil {
		v := *c.Picture
		out.Picture = &v
	}
	if c.Conversation != nil {
		v := *c.Conversation
		v.Messages = append([]Message(nil), c.Conversation.Messages...)
		out.Conversation = &v
	}
	if c.Media != nil {
		v := *c.Media
		v.ShownActions = append([]int32(nil), c.Media.ShownActions...)
		out.Media = &v
	}
	return out
}
