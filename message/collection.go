package message

// Add returns a new collection with m appended.
func Add(list []Message, m Message) []Message {
	out := make([]Message, 0, len(list)+1)
	out = append(out, list...)
	return append(out, m)
}

// Remove returns a new collection without the message with the given id.
func Remove(list []Message, id string) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if m.ID == id {
			continue
		}
		out = append(out, m)
	}
	return out
}

// RemoveByCode returns a new collection without any message carrying one of codes.
func RemoveByCode(list []Message, codes ...Code) []Message {
	drop := make(map[Code]struct{}, len(codes))
	for _, c := range codes {
		drop[c] = struct{}{}
	}
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if _, ok := drop[m.Code]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// HasCode reports whether any message carries code.
func HasCode(list []Message, code Code) bool {
	for _, m := range list {
		if m.Code == code {
			return true
		}
	}
	return false
}

// HasBlockingErrors reports whether any error requires buyer input or review.
// Recoverable errors never block.
func HasBlockingErrors(list []Message) bool {
	for _, m := range list {
		if m.IsBlocking() {
			return true
		}
	}
	return false
}

// HasRecoverableErrors reports whether any error is still waiting to be
// resolved by the platform.
func HasRecoverableErrors(list []Message) bool {
	for _, m := range list {
		if m.IsRecoverable() {
			return true
		}
	}
	return false
}

// Summary counts the messages of a collection by type.
type Summary struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Infos    int `json:"infos"`
	Blocking int `json:"blocking"`
}

// Summarize classifies a collection.
func Summarize(list []Message) Summary {
	var s Summary
	for _, m := range list {
		switch m.Type {
		case TypeError:
			s.Errors++
			if m.IsBlocking() {
				s.Blocking++
			}
		case TypeWarning:
			s.Warnings++
		case TypeInfo:
			s.Infos++
		}
	}
	return s
}
