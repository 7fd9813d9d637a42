//go:build linux

// Package capture implements the FrameSource component (spec §4.1): it
// hands out the most recent captured GPU texture of a bounded screen
// region without blocking the caller longer than one polling interval.
//
// Grounded on the teacher's X11/XShm + Xfixes cursor-compositing capturer
// (capture.go, internal/capture/xshm_linux.go in richinsley/bunghole),
// restructured from a push (Run + channel) model into the spec's pull
// model (SetRegion/AcquireLatest/RefreshRate) backed by a single poll
// goroutine that keeps the latest grabbed frame under a mutex, so
// AcquireLatest never itself blocks on the X11 round trip.
package capture

/*
#cgo pkg-config: x11 xext xfixes
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int displayWidth;
	int displayHeight;
	int x, y, width, height;
} XShmCapturer;

static XShmCapturer* xshm_init(const char *display_name, int x, int y, int w, int h) {
	XShmCapturer *c = (XShmCapturer*)calloc(1, sizeof(XShmCapturer));
	if (!c) return NULL;

	c->display = XOpenDisplay(display_name);
	if (!c->display) { free(c); return NULL; }

	int screen = DefaultScreen(c->display);
	c->root = RootWindow(c->display, screen);
	c->displayWidth = DisplayWidth(c->display, screen);
	c->displayHeight = DisplayHeight(c->display, screen);
	c->x = x;
	c->y = y;
	c->width = w;
	c->height = h;

	c->image = XShmCreateImage(c->display,
		DefaultVisual(c->display, screen),
		DefaultDepth(c->display, screen),
		ZPixmap, NULL, &c->shminfo,
		w, h);
	if (!c->image) {
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmid = shmget(IPC_PRIVATE,
		c->image->bytes_per_line * c->image->height,
		IPC_CREAT | 0600);
	if (c->shminfo.shmid < 0) {
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	c->shminfo.shmaddr = c->image->data = (char*)shmat(c->shminfo.shmid, NULL, 0);
	c->shminfo.readOnly = False;

	if (!XShmAttach(c->display, &c->shminfo)) {
		shmdt(c->shminfo.shmaddr);
		shmctl(c->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(c->image);
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}

	// Mark for removal so it's cleaned up when we detach.
	shmctl(c->shminfo.shmid, IPC_RMID, NULL);

	return c;
}

static int xshm_grab(XShmCapturer *c) {
	if (!XShmGetImage(c->display, c->root, c->image, c->x, c->y, AllPlanes)) {
		return -1;
	}
	XSync(c->display, False);
	return 0;
}

static void xshm_composite_cursor(XShmCapturer *c) {
	XFixesCursorImage *cursor = XFixesGetCursorImage(c->display);
	if (!cursor) return;

	int cx = cursor->x - cursor->xhot - c->x;
	int cy = cursor->y - cursor->yhot - c->y;

	for (int y = 0; y < (int)cursor->height; y++) {
		int dy = cy + y;
		if (dy < 0 || dy >= c->height) continue;
		for (int x = 0; x < (int)cursor->width; x++) {
			int dx = cx + x;
			if (dx < 0 || dx >= c->width) continue;

			unsigned long pixel = cursor->pixels[y * cursor->width + x];
			unsigned char a = (pixel >> 24) & 0xFF;
			if (a == 0) continue;

			unsigned char cr = (pixel >> 0) & 0xFF;
			unsigned char cg = (pixel >> 8) & 0xFF;
			unsigned char cb = (pixel >> 16) & 0xFF;

			int offset = dy * c->image->bytes_per_line + dx * 4;
			unsigned char *dst = (unsigned char*)c->image->data + offset;

			if (a == 255) {
				dst[0] = cb;
				dst[1] = cg;
				dst[2] = cr;
			} else {
				dst[0] = (cb * a + dst[0] * (255 - a)) / 255;
				dst[1] = (cg * a + dst[1] * (255 - a)) / 255;
				dst[2] = (cr * a + dst[2] * (255 - a)) / 255;
			}
		}
	}
	XFree(cursor);
}

static void xshm_destroy(XShmCapturer *c) {
	if (!c) return;
	XShmDetach(c->display, &c->shminfo);
	shmdt(c->shminfo.shmaddr);
	XDestroyImage(c->image);
	XCloseDisplay(c->display);
	free(c);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/replaycore/instantreplay/internal/types"
)

// XShmFrameSource is the Linux FrameSource backend: XShm grab + Xfixes
// cursor compositing, polled on an internal goroutine at RefreshRate.
type XShmFrameSource struct {
	displayName string
	refreshHz   uint32

	mu      sync.Mutex
	c       *C.XShmCapturer
	region  types.Region
	latest  *types.Texture
	fresh   bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewFrameSource opens the X11 display and binds to region, matching the
// spec's FrameSource.init(region). Fails with ErrDeviceInit if the display
// cannot be duplicated, or ErrRegionOutOfBounds if region lies outside it.
func NewFrameSource(displayName string, region types.Region, refreshHz uint32) (*XShmFrameSource, error) {
	fs := &XShmFrameSource{displayName: displayName, refreshHz: refreshHz}

	// Probe the display bounds with a minimal 1x1 capturer first so
	// SetRegion can validate against real dimensions.
	probe, err := fs.open(types.Region{Kind: types.RegionAllMonitors})
	if err != nil {
		return nil, fmt.Errorf("capture: %w: %v", types.ErrDeviceInit, err)
	}
	fs.c = probe
	if err := fs.setRegionLocked(region); err != nil {
		C.xshm_destroy(probe)
		return nil, err
	}

	fs.stop = make(chan struct{})
	fs.stopped = make(chan struct{})
	go fs.pollLoop()
	return fs, nil
}

func (fs *XShmFrameSource) open(_ types.Region) (*C.XShmCapturer, error) {
	cDisplay := C.CString(fs.displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	// Open a 1x1 capturer at the origin only to learn the display
	// dimensions; SetRegion re-opens bound to the crop once they are known.
	c := C.xshm_init(cDisplay, 0, 0, 1, 1)
	if c == nil {
		return nil, fmt.Errorf("failed to open X11 display %q", fs.displayName)
	}
	return c, nil
}

func (fs *XShmFrameSource) displayBounds() types.Rect {
	return types.Rect{X: 0, Y: 0, W: int(fs.c.displayWidth), H: int(fs.c.displayHeight)}
}

// SetRegion changes the crop. Width and height are rounded down to even
// pixels. Fails with ErrRegionOutOfBounds if the rect lies outside the
// display.
func (fs *XShmFrameSource) SetRegion(r types.Region) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.setRegionLocked(r)
}

func (fs *XShmFrameSource) setRegionLocked(r types.Region) error {
	bounds := fs.displayBounds()

	var rect types.Rect
	switch r.Kind {
	case types.RegionAllMonitors:
		rect = types.CropToAspect(bounds, r.AspectRatio)
	case types.RegionMonitor:
		// Single-display X server: the only monitor is the full bounds.
		rect = types.CropToAspect(bounds, r.AspectRatio)
	case types.RegionRect:
		rect = r.Rect.EvenFloor()
		if rect.Empty() || !rect.Inside(bounds) {
			return fmt.Errorf("capture: %w: rect %+v outside display %+v", types.ErrRegionOutOfBounds, rect, bounds)
		}
	case types.RegionWindow:
		// Window-handle capture is resolved by the out-of-scope selection
		// overlay (spec §1); the core only validates the rect it's handed.
		rect = r.Rect.EvenFloor()
		if rect.Empty() || !rect.Inside(bounds) {
			return fmt.Errorf("capture: %w: window rect %+v outside display %+v", types.ErrRegionOutOfBounds, rect, bounds)
		}
	default:
		rect = bounds
	}
	rect = rect.EvenFloor()

	cDisplay := C.CString(fs.displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	newC := C.xshm_init(cDisplay, C.int(rect.X), C.int(rect.Y), C.int(rect.W), C.int(rect.H))
	if newC == nil {
		return fmt.Errorf("capture: %w: failed to bind XShm to region %+v", types.ErrDeviceInit, rect)
	}
	if fs.c != nil {
		C.xshm_destroy(fs.c)
	}
	fs.c = newC
	fs.region = types.Region{Kind: types.RegionRect, Rect: rect}
	fs.latest = nil
	fs.fresh = false
	return nil
}

// pollLoop grabs a frame every refresh interval and stashes it as the
// latest texture. This is the "compositor" the spec's AcquireLatest polls:
// a slow consumer simply sees the same cached texture repeated.
func (fs *XShmFrameSource) pollLoop() {
	defer close(fs.stopped)
	interval := time.Second / time.Duration(maxu32(fs.refreshHz, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-fs.stop:
			return
		case <-ticker.C:
			fs.grabOnce()
		}
	}
}

func (fs *XShmFrameSource) grabOnce() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.c == nil {
		return
	}
	if C.xshm_grab(fs.c) != 0 {
		// Transient acquire failure: the previous frame stays cached, so
		// AcquireLatest keeps returning it; nothing is propagated or counted.
		return
	}
	C.xshm_composite_cursor(fs.c)

	size := int(fs.c.image.bytes_per_line) * int(fs.c.height)
	data := C.GoBytes(unsafe.Pointer(fs.c.image.data), C.int(size))
	fs.latest = &types.Texture{
		Data:   data,
		Width:  int(fs.c.width),
		Height: int(fs.c.height),
		Stride: int(fs.c.image.bytes_per_line),
		Format: types.PixFmtBGRA,
	}
	fs.fresh = true
}

// AcquireLatest returns the newest available frame, or a cached repeat if
// the poll loop hasn't produced a new one since the last call. Returns
// ok=false only if no frame has been captured since the region was last set.
func (fs *XShmFrameSource) AcquireLatest() (*types.Texture, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.latest == nil {
		return nil, false
	}
	fs.fresh = false
	return fs.latest, true
}

// RefreshRate returns the best-known monitor rate, an FPS cap hint only.
func (fs *XShmFrameSource) RefreshRate() uint32 { return fs.refreshHz }

// CurrentRect returns the region's resolved pixel rectangle, so callers
// can size a ColorConverter and VideoEncoder before the pipeline's own
// (idempotent) SetRegion call during Start.
func (fs *XShmFrameSource) CurrentRect() types.Rect {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.region.Rect
}

// Close stops the poll goroutine and releases X11/shm resources.
func (fs *XShmFrameSource) Close() {
	close(fs.stop)
	<-fs.stopped
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.c != nil {
		C.xshm_destroy(fs.c)
		fs.c = nil
	}
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
