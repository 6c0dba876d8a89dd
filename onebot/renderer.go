package onebot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// cards are drawn at double size, then scaled down to antialias
	cardDrawWidth  = 1800
	cardDrawHeight = 400
	CardWidth      = cardDrawWidth / 2
	CardHeight     = cardDrawHeight / 2

	cardNameMaxLength     = 15
	scoreboardFilename    = "onebot_scoreboard.png"
	levelCardFilenameTmpl = "%s_levelcard.png"
	contentTypePNG        = "image/png"

	avatarMaxBytes = 8 << 20
)

// PresenceStatus is a member's online status, as shown on a level card
type PresenceStatus string

const (
	StatusOnline       PresenceStatus = "online"
	StatusIdle         PresenceStatus = "idle"
	StatusDoNotDisturb PresenceStatus = "dnd"
	StatusOffline      PresenceStatus = "offline"
	StatusInvisible    PresenceStatus = "invisible"
)

func presenceStatus(s discordgo.Status) PresenceStatus {
	return PresenceStatus(s)
}

// Discord's palette
var (
	colorGreen     = rgb(0x2ecc71)
	colorDarkGold  = rgb(0xc27c0e)
	colorRed       = rgb(0xe74c3c)
	colorLightGrey = rgb(0x979c9f)
	colorBlurple   = rgb(0x5865f2)

	colorBlack    = rgb(0x000000)
	colorDarkGrey = rgb(0x2f3136)
	colorWhite    = rgb(0xffffff)
	colorCardGrey = rgb(0xb9bbbe)
)

func rgb(c int) color.RGBA {
	return color.RGBA{R: uint8(c >> 16), G: uint8(c >> 8), B: uint8(c), A: 0xff}
}

// statusColor returns the indicator colour for a presence status
func statusColor(s PresenceStatus) color.RGBA {
	switch s {
	case StatusOnline:
		return colorGreen
	case StatusIdle:
		return colorDarkGold
	case StatusDoNotDisturb:
		return colorRed
	case StatusOffline:
		return colorLightGrey
	default:
		return colorBlurple
	}
}

type cardPalette struct {
	background1 color.RGBA
	background2 color.RGBA
	foreground1 color.RGBA
	foreground2 color.RGBA
}

func paletteFor(darkMode bool) cardPalette {
	if darkMode {
		return cardPalette{colorBlack, colorDarkGrey, colorWhite, colorCardGrey}
	}
	return cardPalette{colorWhite, colorCardGrey, colorBlack, colorDarkGrey}
}

// CardData is everything drawn on a level card
type CardData struct {
	MemberID    string
	DisplayName string
	AvatarURL   string

	// AccentColor is the member's role colour. 0 picks a random accent.
	AccentColor int
	Status      PresenceStatus

	XP       int64
	NextXP   float64
	Level    int
	Rank     Rank
	DarkMode bool
}

// NewCardData builds a CardData from a loaded Ledger
func NewCardData(
	user *discordgo.User,
	displayName string,
	ledger *Ledger,
	rank Rank,
	status PresenceStatus,
	accentColor int,
	darkMode bool,
) CardData {
	return CardData{
		MemberID:    user.ID,
		DisplayName: displayName,
		AvatarURL:   user.AvatarURL("256"),
		AccentColor: accentColor,
		Status:      status,
		XP:          ledger.XP(),
		NextXP:      ledger.NextXP(),
		Level:       ledger.Level(),
		Rank:        rank,
		DarkMode:    darkMode,
	}
}

func (c CardData) name() string {
	name := []rune(c.DisplayName)
	if len(name) > cardNameMaxLength {
		name = name[:cardNameMaxLength]
	}
	return string(name)
}

func (c CardData) progress() float64 {
	return Progress(c.XP)
}

// Artifact is a rendered image, ready to attach to a message
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// File returns the artifact as a discordgo message attachment
func (a *Artifact) File() *discordgo.File {
	return &discordgo.File{
		Name:        a.Filename,
		ContentType: a.ContentType,
		Reader:      bytes.NewReader(a.Data),
	}
}

// Renderer draws level cards and scoreboards. Rendering may be slow
// (avatars are fetched over the network), so callers should acknowledge
// interactions before rendering.
type Renderer interface {
	RenderCard(ctx context.Context, card CardData) (*Artifact, error)
	RenderScoreboard(ctx context.Context, cards []CardData) (*Artifact, error)
}

// PNGRenderer draws cards as PNG images
type PNGRenderer struct {
	client        *http.Client
	avatarTimeout time.Duration
	logger        *slog.Logger
}

func NewPNGRenderer(client *http.Client, avatarTimeout time.Duration, logger *slog.Logger) *PNGRenderer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if avatarTimeout <= 0 {
		avatarTimeout = DefaultRendererAvatarTimeout
	}
	return &PNGRenderer{
		client:        client,
		avatarTimeout: avatarTimeout,
		logger:        logger.With(loggerNameKey, "renderer"),
	}
}

func (r *PNGRenderer) RenderCard(ctx context.Context, card CardData) (*Artifact, error) {
	target := fmt.Sprintf(levelCardFilenameTmpl, card.MemberID)
	img := r.drawCard(ctx, card)
	data, err := encodePNG(img)
	if err != nil {
		return nil, &RenderError{Target: target, Err: err}
	}
	return &Artifact{Filename: target, ContentType: contentTypePNG, Data: data}, nil
}

// RenderScoreboard stacks one card per member, in the given order
func (r *PNGRenderer) RenderScoreboard(ctx context.Context, cards []CardData) (*Artifact, error) {
	if len(cards) == 0 {
		return nil, &RenderError{
			Target: scoreboardFilename,
			Err:    errors.New("no members to draw"),
		}
	}
	board := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight*len(cards)))
	for i, c := range cards {
		if err := ctx.Err(); err != nil {
			return nil, &RenderError{Target: scoreboardFilename, Err: err}
		}
		cardImg := r.drawCard(ctx, c)
		offset := image.Pt(0, CardHeight*i)
		draw.Draw(board, cardImg.Bounds().Add(offset), cardImg, image.Point{}, draw.Src)
	}
	data, err := encodePNG(board)
	if err != nil {
		return nil, &RenderError{Target: scoreboardFilename, Err: err}
	}
	return &Artifact{Filename: scoreboardFilename, ContentType: contentTypePNG, Data: data}, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawCard draws the card at double size, then halves it
func (r *PNGRenderer) drawCard(ctx context.Context, c CardData) *image.RGBA {
	palette := paletteFor(c.DarkMode)
	accent := rgb(c.AccentColor)
	if c.AccentColor == 0 {
		accent = randomAccent()
	}

	canvas := image.NewRGBA(image.Rect(0, 0, cardDrawWidth, cardDrawHeight))
	fillRounded(canvas, canvas.Bounds(), 20, palette.background1)

	// accent band behind the avatar
	fillRounded(canvas, image.Rect(2, 2, 117, 117), 20, accent)
	fillPolygon(
		canvas,
		[]image.Point{{2, 100}, {2, 360}, {360, 2}, {100, 2}},
		accent,
	)

	// avatar, with a border in the background colour
	fillCircle(canvas, image.Pt(200, 200), 160, palette.background1)
	avatar, err := r.fetchAvatar(ctx, c.AvatarURL)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"unable to fetch avatar",
			tint.Err(err),
			columnMemberLevelMemberID, c.MemberID,
		)
		fillCircle(canvas, image.Pt(200, 200), 150, accent)
	} else {
		drawCircularImage(canvas, avatar, image.Pt(200, 200), 150)
	}

	r.drawStatus(canvas, c.Status, palette)
	drawProgressBar(canvas, c.progress(), accent, palette.background2)

	drawText(canvas, c.name(), 420, 220, 6, palette.foreground1, alignLeft)
	drawTextRun(
		canvas, 1740, 225,
		textPart{AbbreviateXP(float64(c.XP)) + " ", 4, palette.foreground1},
		textPart{fmt.Sprintf("/ %s XP", AbbreviateXP(c.NextXP)), 4, palette.foreground2},
	)
	drawTextRun(
		canvas, 1700, 110,
		textPart{"RANK ", 4, palette.foreground2},
		textPart{fmt.Sprintf("#%s  ", c.Rank), 6, accent},
		textPart{"LEVEL ", 4, palette.foreground2},
		textPart{strconv.Itoa(c.Level), 6, accent},
	)

	out := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight))
	xdraw.CatmullRom.Scale(out, out.Bounds(), canvas, canvas.Bounds(), xdraw.Src, nil)
	return out
}

func (r *PNGRenderer) drawStatus(canvas *image.RGBA, status PresenceStatus, p cardPalette) {
	center := image.Pt(305, 305)
	fillCircle(canvas, center, 45, p.background1)
	fillCircle(canvas, center, 35, statusColor(status))
	switch status {
	case StatusIdle:
		fillCircle(canvas, image.Pt(290, 295), 25, p.background1)
	case StatusDoNotDisturb:
		fillRounded(canvas, image.Rect(280, 299, 330, 311), 6, p.background1)
	case StatusOffline:
		fillCircle(canvas, center, 20, p.background1)
	}
}

// fetchAvatar downloads and decodes the avatar at url
func (r *PNGRenderer) fetchAvatar(ctx context.Context, url string) (image.Image, error) {
	if url == "" {
		return nil, errors.New("no avatar URL")
	}
	ctx, cancel := context.WithTimeout(ctx, r.avatarTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status fetching avatar: %s", resp.Status)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, avatarMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("error decoding avatar: %w", err)
	}
	return img, nil
}

func randomAccent() color.RGBA {
	return color.RGBA{
		R: uint8(rand.IntN(256)),
		G: uint8(rand.IntN(256)),
		B: uint8(rand.IntN(256)),
		A: 0xff,
	}
}

func drawProgressBar(canvas *image.RGBA, pct float64, fill color.RGBA, trough color.RGBA) {
	const (
		x, y          = 420, 275
		width, height = 1320, 60
		radius        = 30
	)
	fillRounded(canvas, image.Rect(x, y, x+width, y+height), radius, trough)
	filled := int(float64(width) * pct / 100)
	if filled < 2*radius {
		filled = 2 * radius
	}
	fillRounded(canvas, image.Rect(x, y, x+filled, y+height), radius, fill)
}

// circleMask is an alpha mask of a filled circle
type circleMask struct {
	center image.Point
	radius int
}

func (c *circleMask) ColorModel() color.Model {
	return color.AlphaModel
}

func (c *circleMask) Bounds() image.Rectangle {
	return image.Rect(
		c.center.X-c.radius,
		c.center.Y-c.radius,
		c.center.X+c.radius,
		c.center.Y+c.radius,
	)
}

func (c *circleMask) At(x, y int) color.Color {
	dx := float64(x-c.center.X) + 0.5
	dy := float64(y-c.center.Y) + 0.5
	if dx*dx+dy*dy <= float64(c.radius*c.radius) {
		return color.Alpha{A: 0xff}
	}
	return color.Alpha{}
}

func fillCircle(dst draw.Image, center image.Point, radius int, c color.Color) {
	mask := &circleMask{center: center, radius: radius}
	draw.DrawMask(dst, mask.Bounds(), image.NewUniform(c), image.Point{}, mask, mask.Bounds().Min, draw.Over)
}

// drawCircularImage scales src to fit a circle of the given radius and
// draws it, clipped to the circle
func drawCircularImage(dst draw.Image, src image.Image, center image.Point, radius int) {
	mask := &circleMask{center: center, radius: radius}
	scaled := image.NewRGBA(mask.Bounds())
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	draw.DrawMask(dst, mask.Bounds(), scaled, mask.Bounds().Min, mask, mask.Bounds().Min, draw.Over)
}

// roundedMask is an alpha mask of a rectangle with rounded corners
type roundedMask struct {
	rect   image.Rectangle
	radius int
}

func (m *roundedMask) ColorModel() color.Model {
	return color.AlphaModel
}

func (m *roundedMask) Bounds() image.Rectangle {
	return m.rect
}

func (m *roundedMask) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(m.rect) {
		return color.Alpha{}
	}
	r := m.radius
	cx, cy := x, y
	switch {
	case x < m.rect.Min.X+r:
		cx = m.rect.Min.X + r
	case x >= m.rect.Max.X-r:
		cx = m.rect.Max.X - r - 1
	}
	switch {
	case y < m.rect.Min.Y+r:
		cy = m.rect.Min.Y + r
	case y >= m.rect.Max.Y-r:
		cy = m.rect.Max.Y - r - 1
	}
	dx, dy := x-cx, y-cy
	if dx*dx+dy*dy <= r*r {
		return color.Alpha{A: 0xff}
	}
	return color.Alpha{}
}

func fillRounded(dst draw.Image, rect image.Rectangle, radius int, c color.Color) {
	if radius*2 > rect.Dx() {
		radius = rect.Dx() / 2
	}
	if radius*2 > rect.Dy() {
		radius = rect.Dy() / 2
	}
	mask := &roundedMask{rect: rect, radius: radius}
	draw.DrawMask(dst, rect, image.NewUniform(c), image.Point{}, mask, rect.Min, draw.Over)
}

// polygonMask is an alpha mask of a convex or concave polygon, filled
// with the even-odd rule
type polygonMask struct {
	points []image.Point
	bounds image.Rectangle
}

func newPolygonMask(points []image.Point) *polygonMask {
	b := image.Rectangle{Min: points[0], Max: points[0].Add(image.Pt(1, 1))}
	for _, p := range points[1:] {
		b = b.Union(image.Rectangle{Min: p, Max: p.Add(image.Pt(1, 1))})
	}
	return &polygonMask{points: points, bounds: b}
}

func (m *polygonMask) ColorModel() color.Model {
	return color.AlphaModel
}

func (m *polygonMask) Bounds() image.Rectangle {
	return m.bounds
}

func (m *polygonMask) At(x, y int) color.Color {
	px, py := float64(x)+0.5, float64(y)+0.5
	inside := false
	n := len(m.points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := float64(m.points[i].X), float64(m.points[i].Y)
		xj, yj := float64(m.points[j].X), float64(m.points[j].Y)
		if (yi > py) != (yj > py) && px < (xj-xi)*(py-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	if inside {
		return color.Alpha{A: 0xff}
	}
	return color.Alpha{}
}

func fillPolygon(dst draw.Image, points []image.Point, c color.Color) {
	mask := newPolygonMask(points)
	draw.DrawMask(dst, mask.Bounds(), image.NewUniform(c), image.Point{}, mask, mask.Bounds().Min, draw.Over)
}

type textAlign int

const (
	alignLeft textAlign = iota
	alignRight
)

type textPart struct {
	text  string
	scale int
	color color.Color
}

// drawTextRun draws parts left to right, with the last part ending at
// rightX
func drawTextRun(dst draw.Image, rightX, y int, parts ...textPart) {
	x := rightX
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		drawText(dst, p.text, x, y, p.scale, p.color, alignRight)
		x -= textWidth(p.text, p.scale)
	}
}

// textWidth is the width of s drawn with basicfont at the given scale
func textWidth(s string, scale int) int {
	return font.MeasureString(basicfont.Face7x13, s).Ceil() * scale
}

// drawText draws s with its baseline at y, scaled up from basicfont.
// With alignRight, x is the right edge of the text.
func drawText(dst draw.Image, s string, x, y, scale int, c color.Color, align textAlign) {
	if strings.TrimSpace(s) == "" {
		return
	}
	face := basicfont.Face7x13
	w := font.MeasureString(face, s).Ceil()
	h := face.Height
	small := image.NewRGBA(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(s)

	if align == alignRight {
		x -= w * scale
	}
	top := y - face.Ascent*scale
	target := image.Rect(x, top, x+w*scale, top+h*scale)
	xdraw.NearestNeighbor.Scale(dst, target, small, small.Bounds(), xdraw.Over, nil)
}
