package player

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/zsiec/loupe/rtime"
)

// Playback is the transport state.
type Playback int

const (
	Stop Playback = iota
	Forward
	Reverse
)

var playbackNames = []string{"stop", "forward", "reverse"}

func (p Playback) String() string {
	if int(p) < 0 || int(p) >= len(playbackNames) {
		return fmt.Sprintf("playback(%d)", int(p))
	}
	return playbackNames[p]
}

// ParsePlayback is the inverse of Playback.String.
func ParsePlayback(s string) (Playback, error) {
	if i := slices.Index(playbackNames, strings.ToLower(s)); i >= 0 {
		return Playback(i), nil
	}
	return Stop, fmt.Errorf("player: unknown playback %q", s)
}

// Loop decides what happens when the cursor reaches an end of the in/out
// range.
type Loop int

const (
	// LoopLoop wraps to the opposite bound.
	LoopLoop Loop = iota
	// LoopOnce clamps at the bound and stops.
	LoopOnce
	// LoopPingPong clamps at the bound and reverses direction.
	LoopPingPong
)

var loopNames = []string{"loop", "once", "pingpong"}

func (l Loop) String() string {
	if int(l) < 0 || int(l) >= len(loopNames) {
		return fmt.Sprintf("loop(%d)", int(l))
	}
	return loopNames[l]
}

// ParseLoop is the inverse of Loop.String.
func ParseLoop(s string) (Loop, error) {
	if i := slices.Index(loopNames, strings.ToLower(s)); i >= 0 {
		return Loop(i), nil
	}
	return LoopLoop, fmt.Errorf("player: unknown loop mode %q", s)
}

// TimeAction is a discrete cursor move.
type TimeAction int

const (
	ActionStart TimeAction = iota
	ActionEnd
	ActionFramePrev
	ActionFramePrevX10
	ActionFramePrevX100
	ActionFrameNext
	ActionFrameNextX10
	ActionFrameNextX100
	ActionJumpBack1s
	ActionJumpBack10s
	ActionJumpForward1s
	ActionJumpForward10s
)

var actionNames = []string{
	"start", "end",
	"frame-prev", "frame-prev-x10", "frame-prev-x100",
	"frame-next", "frame-next-x10", "frame-next-x100",
	"jump-back-1s", "jump-back-10s", "jump-forward-1s", "jump-forward-10s",
}

func (a TimeAction) String() string {
	if int(a) < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// ParseTimeAction is the inverse of TimeAction.String.
func ParseTimeAction(s string) (TimeAction, error) {
	if i := slices.Index(actionNames, strings.ToLower(s)); i >= 0 {
		return TimeAction(i), nil
	}
	return ActionStart, fmt.Errorf("player: unknown time action %q", s)
}

// CompareTime selects how compared timelines are addressed.
type CompareTime int

const (
	// CompareRelative reads each compared timeline at the same offset from
	// its own start.
	CompareRelative CompareTime = iota
	// CompareAbsolute reads each compared timeline at the primary time.
	CompareAbsolute
)

var compareNames = []string{"relative", "absolute"}

func (c CompareTime) String() string {
	if int(c) < 0 || int(c) >= len(compareNames) {
		return fmt.Sprintf("compare(%d)", int(c))
	}
	return compareNames[c]
}

// ParseCompareTime is the inverse of CompareTime.String.
func ParseCompareTime(s string) (CompareTime, error) {
	if i := slices.Index(compareNames, strings.ToLower(s)); i >= 0 {
		return CompareTime(i), nil
	}
	return CompareRelative, fmt.Errorf("player: unknown compare time %q", s)
}

// compareTime maps t on a timeline spanning src to the matching time on a
// timeline spanning dst.
func compareTime(t rtime.Time, src, dst rtime.Range, mode CompareTime) rtime.Time {
	rate := dst.Duration.Rate
	if mode == CompareAbsolute {
		return t.Rescale(rate).Floor()
	}
	return t.Sub(src.Start).Add(dst.Start).Rescale(rate).Floor()
}

// Cache window defaults.
const (
	DefaultReadAhead  = 2 * time.Second
	DefaultReadBehind = 500 * time.Millisecond
)

// CacheOptions sizes the window the player keeps requested around the
// cursor.
type CacheOptions struct {
	ReadAhead  time.Duration `json:"readAhead"`
	ReadBehind time.Duration `json:"readBehind"`
}

// CacheInfo summarizes what the player holds for display.
type CacheInfo struct {
	// Percentage of the shared cache budget in use.
	Percentage float64       `json:"percentage"`
	Video      []rtime.Range `json:"video"`
	Audio      []rtime.Range `json:"audio"`
	// VideoBytes is the pixel data of the frames the player holds.
	VideoBytes int64 `json:"videoBytes"`
}

func cacheInfoEqual(a, b CacheInfo) bool {
	return a.Percentage == b.Percentage &&
		a.VideoBytes == b.VideoBytes &&
		slices.EqualFunc(a.Video, b.Video, rtime.Range.Equal) &&
		slices.EqualFunc(a.Audio, b.Audio, rtime.Range.Equal)
}

// Defaults for Options.
const (
	DefaultTickInterval = 5 * time.Millisecond
	DefaultLogInterval  = 10 * time.Second
)

// Options configures a Player. Zero values pick defaults.
type Options struct {
	Cache        CacheOptions
	TickInterval time.Duration
	LogInterval  time.Duration
	// CurrentTime is the initial cursor. Invalid starts at the timeline
	// start.
	CurrentTime rtime.Time
	Log         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Cache == (CacheOptions{}) {
		o.Cache = CacheOptions{ReadAhead: DefaultReadAhead, ReadBehind: DefaultReadBehind}
	}
	o.Cache.ReadAhead = max(o.Cache.ReadAhead, 0)
	o.Cache.ReadBehind = max(o.Cache.ReadBehind, 0)
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.LogInterval <= 0 {
		o.LogInterval = DefaultLogInterval
	}
	return o
}
