package game

// Category selects a narration template.
type Category string

const (
	CatStarted           Category = "started"
	CatStartedSettai     Category = "startedSettai"
	CatWon               Category = "won"
	CatWonSettai         Category = "wonSettai"
	CatLost              Category = "lost"
	CatLostSettai        Category = "lostSettai"
	CatDrew              Category = "drew"
	CatDrewSettai        Category = "drewSettai"
	CatSurrendered       Category = "surrendered"
	CatSurrenderedSettai Category = "surrenderedSettai"
	CatUnsupported       Category = "unsupported"
)

// NarrationData is the template input for every category.
type NarrationData struct {
	Opponent string
	Strength int
	URL      string
}

// Narrator turns an outcome category into post text.
type Narrator interface {
	Narrate(cat Category, data NarrationData) (string, error)
}

// Renderer is satisfied by *msgcat.Catalog.
type Renderer interface {
	Render(key string, data any) (string, error)
}

// CatalogNarrator renders categories from the "reversi." template namespace.
type CatalogNarrator struct {
	R Renderer
}

func (n CatalogNarrator) Narrate(cat Category, data NarrationData) (string, error) {
	return n.R.Render("reversi."+string(cat), data)
}

func startedCategory(settai bool) Category {
	if settai {
		return CatStartedSettai
	}
	return CatStarted
}

// EndCategory maps a match result onto a narration category. The bot never
// surrenders, so a surrender is always the opponent's.
func EndCategory(ev EndedEvent, botID string, settai bool) Category {
	pick := func(normal, hosting Category) Category {
		if settai {
			return hosting
		}
		return normal
	}
	switch {
	case ev.Surrendered:
		return pick(CatSurrendered, CatSurrenderedSettai)
	case ev.WinnerID == "":
		return pick(CatDrew, CatDrewSettai)
	case ev.WinnerID == botID:
		return pick(CatWon, CatWonSettai)
	default:
		return pick(CatLost, CatLostSettai)
	}
}
