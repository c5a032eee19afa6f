package models

// Prd is the ordered backlog of stories a session works through.
type Prd struct {
	Project     string  `json:"project" yaml:"project"`
	BranchName  string  `json:"branch_name" yaml:"branch_name"`
	Description string  `json:"description" yaml:"description"`
	Stories     []Story `json:"stories" yaml:"stories"`
}

// Story is one unit of work. Lower Priority values are worked first.
type Story struct {
	ID                 string   `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description" yaml:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	Priority           int      `json:"priority" yaml:"priority"`
	Passes             bool     `json:"passes" yaml:"passes"`
	Notes              string   `json:"notes" yaml:"notes"`
}

// Clone returns a deep copy of the PRD.
func (p Prd) Clone() Prd {
	cp := p
	if p.Stories != nil {
		cp.Stories = make([]Story, len(p.Stories))
		for i, s := range p.Stories {
			s.AcceptanceCriteria = append([]string(nil), s.AcceptanceCriteria...)
			cp.Stories[i] = s
		}
	}
	return cp
}

// NextStory returns the unfinished story with the lowest priority. Ties go to
// the story that appears first. ok is false when every story passes.
func (p Prd) NextStory() (story Story, ok bool) {
	best := -1
	for i, s := range p.Stories {
		if s.Passes {
			continue
		}
		if best < 0 || s.Priority < p.Stories[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return Story{}, false
	}
	return p.Stories[best], true
}

// MarkPassed flips the named story to passing. It reports false when the story
// does not exist or already passes, so a story can only transition once.
func (p *Prd) MarkPassed(storyID string) bool {
	for i := range p.Stories {
		if p.Stories[i].ID != storyID {
			continue
		}
		if p.Stories[i].Passes {
			return false
		}
		p.Stories[i].Passes = true
		return true
	}
	return false
}

// Remaining counts stories that do not pass yet.
func (p Prd) Remaining() int {
	n := 0
	for _, s := range p.Stories {
		if !s.Passes {
			n++
		}
	}
	return n
}

// Guardrail is a learned instruction injected into future prompts.
type Guardrail struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Trigger     string `json:"trigger" yaml:"trigger"`
	Instruction string `json:"instruction" yaml:"instruction"`
	AddedAfter  string `json:"added_after" yaml:"added_after"`
}
