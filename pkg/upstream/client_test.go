package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/yleoer/mp3proxy/pkg/lyric"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:       srv.URL + "/api/",
		UserAgent:     "mp3-proxy-test",
		SearchTimeout: 2 * time.Second,
		StreamTimeout: 2 * time.Second,
	}, nil, log.New(io.Discard))
	return c, srv
}

func TestSearchTakesFirstResult(t *testing.T) {
	var gotQuery, gotUA string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/search" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("keyword")
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, `{"err":0,"msg":"Success","data":{"songs":[
			{"encodeId":"ZWZB969E","title":"Lạc Trôi","artistsNames":"Sơn Tùng M-TP","thumbnailM":"https://img/m.jpg","duration":233},
			{"encodeId":"OTHER","title":"Other"}]}}`)
	}))

	hit, err := c.Search(context.Background(), "lac troi son tung")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	want := Hit{ID: "ZWZB969E", Title: "Lạc Trôi", Artist: "Sơn Tùng M-TP", Thumbnail: "https://img/m.jpg", Duration: 233}
	if !reflect.DeepEqual(hit, want) {
		t.Errorf("Search() = %+v, want %+v", hit, want)
	}
	if gotQuery != "lac troi son tung" {
		t.Errorf("keyword = %q", gotQuery)
	}
	if gotUA != "mp3-proxy-test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestSearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		check  func(error) bool
	}{
		{
			name:  "no songs",
			body:  `{"err":0,"data":{"songs":[]}}`,
			check: func(err error) bool { return errors.Is(err, ErrNoResults) },
		},
		{
			name:  "null data",
			body:  `{"err":0,"data":null}`,
			check: func(err error) bool { return errors.Is(err, ErrNoResults) },
		},
		{
			name:  "top result without id",
			body:  `{"err":0,"data":{"songs":[{"title":"x"}]}}`,
			check: func(err error) bool { return errors.Is(err, ErrNoID) },
		},
		{
			name: "upstream error code",
			body: `{"err":-1023,"msg":"Bad request"}`,
			check: func(err error) bool {
				var ue *Error
				return errors.As(err, &ue) && ue.Code == -1023
			},
		},
		{
			name: "malformed body",
			body: `<html>`,
			check: func(err error) bool {
				var ue *Error
				return errors.As(err, &ue)
			},
		},
		{
			name:   "http failure",
			status: http.StatusBadGateway,
			check: func(err error) bool {
				var ue *Error
				return errors.As(err, &ue)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status != 0 {
					w.WriteHeader(tt.status)
					return
				}
				fmt.Fprint(w, tt.body)
			}))
			_, err := c.Search(context.Background(), "x")
			if err == nil || !tt.check(err) {
				t.Errorf("Search() error = %v", err)
			}
		})
	}
}

func TestSearchTimeout(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)
	c.opts.SearchTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.Search(context.Background(), "slow")
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("Search() error = %v, want *Error", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Search() took %v, timeout not applied", time.Since(start))
	}
}

func TestStreamDownloadsAudio(t *testing.T) {
	audio := []byte("ID3\x03\x00fake-mp3-frames")
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/api/song", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "ZWZB969E" {
			fmt.Fprint(w, `{"err":-1110,"msg":"not found"}`)
			return
		}
		fmt.Fprintf(w, `{"err":0,"data":{"128":"%s/audio/ZWZB969E.mp3","320":"VIP"}}`, srvURL)
	})
	mux.HandleFunc("/audio/ZWZB969E.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Write(audio)
	})
	c, srv := newTestClient(t, mux)
	srvURL = srv.URL

	got, err := c.Stream(context.Background(), "ZWZB969E")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if string(got) != string(audio) {
		t.Errorf("Stream() = %q", got)
	}

	if _, err := c.Stream(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestStreamWithoutPlayableURL(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"err":0,"data":{"128":"VIP","320":"VIP"}}`)
	}))
	_, err := c.Stream(context.Background(), "id")
	var ue *Error
	if !errors.As(err, &ue) {
		t.Errorf("Stream() error = %v, want *Error", err)
	}
}

func TestLyricVariants(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    lyric.Document
		wantErr error
	}{
		{
			name: "remote file",
			body: `{"err":0,"data":{"file":"https://static/lyric.lrc","sentences":[]}}`,
			want: lyric.RemoteFile{URL: "https://static/lyric.lrc"},
		},
		{
			name: "timed words",
			body: `{"err":0,"data":{"sentences":[{"words":[{"startTime":0,"endTime":500,"data":"Anh"},{"startTime":61234,"endTime":61900,"data":"ơi"}]}]}}`,
			want: lyric.TimedWords{Sentences: []lyric.Sentence{{Words: []lyric.Word{
				{Text: "Anh", StartMS: 0},
				{Text: "ơi", StartMS: 61234},
			}}}},
		},
		{
			name:    "empty sentences",
			body:    `{"err":0,"data":{"sentences":[]}}`,
			wantErr: lyric.ErrNoLyric,
		},
		{
			name:    "neither file nor sentences",
			body:    `{"err":0,"data":{}}`,
			wantErr: lyric.ErrNoLyric,
		},
		{
			name:    "no data",
			body:    `{"err":0}`,
			wantErr: lyric.ErrNoLyric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			doc, err := c.Lyric(context.Background(), "id")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Lyric() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lyric() error = %v", err)
			}
			if !reflect.DeepEqual(doc, tt.want) {
				t.Errorf("Lyric() = %#v, want %#v", doc, tt.want)
			}
		})
	}
}

func TestFetchTextVerbatim(t *testing.T) {
	body := "[00:01.00]Xin chào\r\n[00:02.00]\xef\xbb\xbfraw"
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))

	got, err := c.FetchText(context.Background(), srv.URL+"/lyric.lrc")
	if err != nil {
		t.Fatalf("FetchText() error = %v", err)
	}
	if got != body {
		t.Errorf("FetchText() = %q, want %q", got, body)
	}
}
