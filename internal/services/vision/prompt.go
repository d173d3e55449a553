package vision

const (
	analyzePromptVersion    = "analyze-v3"
	synthesizePromptVersion = "synthesize-v4"
)

const analyzeSystemPrompt = `You describe photographs for a professional photo archive.
Return JSON only, with exactly these keys:
  caption        one sentence, under 140 characters
  description    two to four factual sentences
  subjects       main subjects, most prominent first
  keywords       8 to 25 lowercase search keywords
  setting        indoor/outdoor and place type
  mood           one or two words
  colors         dominant colors
  visible_text   legible text in the frame, or ""
  people_count   integer number of visible people
  has_people     boolean
Describe only what is visible. Never guess names, ages, ethnicity or identity.`

const analyzeUserPrompt = `Describe this photograph.`

const synthesizeSystemPrompt = `You write IPTC metadata for a professional photographer.
You receive a scene analysis, the photographer's profile, optional notes from the
photographer and optional event details. Return JSON only, with exactly these keys:
  title         short title, under 64 characters
  headline      one line summary
  description   caption suitable for publication, two or three sentences
  alt_text      accessibility text under 250 characters
  keywords      10 to 30 keywords, most specific first
  event         event name, or ""
  sublocation   venue or landmark, or ""
  city          city, or ""
  region        state or province, or ""
  country       country, or ""
Prefer facts from the notes and event details over the analysis when they disagree.
Do not invent people's names. Do not output creator, copyright or rights fields.`
