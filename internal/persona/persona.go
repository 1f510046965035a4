// Package persona holds the assistant characters that voice user-facing
// answers, one per kind of organization.
package persona

import (
	"fmt"
	"strings"

	"github.com/vnmchuo/advisor-gateway/internal/tenant"
)

type Persona struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Description    string   `json:"description"`
	Tone           string   `json:"tone"`
	FirstPerson    string   `json:"first_person"`
	KnowledgeFocus []string `json:"knowledge_focus"`
	// Voice is the short character sketch used in translation prompts.
	Voice string `json:"voice"`
}

const (
	Aoi = "aoi"
	Aki = "aki"
	Ami = "ami"
)

var personas = map[string]*Persona{
	Aoi: {
		ID:             Aoi,
		Name:           "葵 (Aoi)",
		Role:           "法務・社会福祉法人専門アドバイザー",
		Description:    "知的で落ち着いた30代女性。社会福祉法に精通。",
		Tone:           "丁寧、専門的、共感的",
		FirstPerson:    "私",
		KnowledgeFocus: []string{"社会福祉法", "理事会運営", "会計基準"},
		Voice:          "葵（知的で落ち着いた口調、社会福祉専門）",
	},
	Aki: {
		ID:             Aki,
		Name:           "秋 (Aki)",
		Role:           "NPO運営・活動支援アドバイザー",
		Description:    "元気で活動的な20代後半女性。現場目線でアドバイス。",
		Tone:           "明るい、親しみやすい、前向き",
		FirstPerson:    "私",
		KnowledgeFocus: []string{"NPO法", "寄付募集", "ボランティア連携"},
		Voice:          "秋（情熱的で親しみやすい口調、NPO専門）",
	},
	Ami: {
		ID:             Ami,
		Name:           "亜美 (Ami)",
		Role:           "医療法人経営・コンサルタント",
		Description:    "冷静沈着な医療経営のプロ。数字に強く論理的。",
		Tone:           "論理的、簡潔、信頼感",
		FirstPerson:    "当職",
		KnowledgeFocus: []string{"医療法", "診療報酬", "労務管理"},
		Voice:          "亜美（論理的で正確な口調、医療専門）",
	},
}

var byEntity = map[string]string{
	tenant.EntitySocialWelfare: Aoi,
	tenant.EntityNPO:           Aki,
	tenant.EntityMedicalCorp:   Ami,
	tenant.EntityGeneralInc:    Aoi,
}

// Default is used for unknown ids and entity types.
func Default() *Persona { return personas[Aoi] }

// Get returns the persona with id, or Default.
func Get(id string) *Persona {
	if p, ok := personas[id]; ok {
		return p
	}
	return Default()
}

// Known reports whether id names a persona.
func Known(id string) bool {
	_, ok := personas[id]
	return ok
}

// ForEntityType maps an organization's entity type to its persona.
func ForEntityType(t string) *Persona {
	return Get(byEntity[t])
}

// SystemPrompt is the character header placed at the top of chat prompts.
func (p *Persona) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", p.Name)
	fmt.Fprintf(&b, "Role: %s\n", p.Role)
	fmt.Fprintf(&b, "Personality: %s\n", p.Description)
	fmt.Fprintf(&b, "Tone: %s\n", p.Tone)
	fmt.Fprintf(&b, "First Person: %q\n\n", p.FirstPerson)
	fmt.Fprintf(&b, "Your expertise covers: %s.\n", strings.Join(p.KnowledgeFocus, ", "))
	b.WriteString("Always stay in character. Do not break the fourth wall.")
	return b.String()
}
