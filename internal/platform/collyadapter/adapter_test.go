package collyadapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadgrid/scraperd/internal/platform"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/task"
)

const listingPage = `<html><body>
<div class="listing">
  <span class="biz-name">Gino's Pizza</span>
  <span class="biz-address">1 Main St</span>
  <span class="biz-phone">555-0100</span>
  <a class="biz-link" href="/biz/ginos">details</a>
</div>
<div class="listing">
  <span class="biz-name">Lombardi's</span>
  <span class="biz-address">32 Spring St</span>
  <a class="biz-link" href="/biz/lombardis">details</a>
</div>
</body></html>`

func platformInfo(baseURL string) protocol.PlatformInfo {
	return protocol.PlatformInfo{
		Key:       "yellowpages",
		SearchURL: baseURL + "/search",
		Selectors: map[string]string{
			"result":  ".listing",
			"name":    ".biz-name",
			"address": ".biz-address",
			"phone":   ".biz-phone",
			"link":    ".biz-link",
		},
	}
}

func TestSession_SearchBusinesses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "pizza", r.URL.Query().Get("q"))
		require.Equal(t, "NY", r.URL.Query().Get("location"))
		fmt.Fprint(w, listingPage)
	}))
	defer srv.Close()

	adapter := New("yellowpages")
	sess, err := adapter.OpenSession(context.Background(), platformInfo(srv.URL), platform.SessionOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, sess.Close()) }()

	results, err := sess.SearchBusinesses(context.Background(), []string{"pizza"}, "NY")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "Gino's Pizza", results[0].Name)
	require.Equal(t, "1 Main St", results[0].Address)
	require.Equal(t, "555-0100", results[0].Phone)
	require.Equal(t, srv.URL+"/biz/ginos", results[0].URL)
	require.Equal(t, 1, results[0].Page)
}

func TestSession_Pagination(t *testing.T) {
	t.Parallel()

	var pagesSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagesSeen = append(pagesSeen, r.URL.Query().Get("page"))
		fmt.Fprint(w, listingPage)
	}))
	defer srv.Close()

	adapter := New("yellowpages")
	sess, err := adapter.OpenSession(context.Background(), platformInfo(srv.URL), platform.SessionOptions{})
	require.NoError(t, err)

	_, err = sess.SearchBusinesses(context.Background(), []string{"pizza"}, "NY")
	require.NoError(t, err)

	ok, err := sess.NextPage(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = sess.SearchBusinesses(context.Background(), []string{"pizza"}, "NY")
	require.NoError(t, err)

	ok, err = sess.NextPage(context.Background(), 2)
	require.NoError(t, err)
	require.False(t, ok, "pagination must stop at max_pages")

	require.Equal(t, []string{"", "2"}, pagesSeen)
}

func TestSession_CaptchaBodyDetected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>Please solve this CAPTCHA to continue</body></html>`)
	}))
	defer srv.Close()

	adapter := New("yellowpages")
	sess, err := adapter.OpenSession(context.Background(), platformInfo(srv.URL), platform.SessionOptions{})
	require.NoError(t, err)

	_, err = sess.SearchBusinesses(context.Background(), []string{"pizza"}, "NY")
	var antiBot *task.AntiBotError
	require.ErrorAs(t, err, &antiBot)
	require.Equal(t, task.NotifyCaptcha, antiBot.Kind)
}

func TestSession_ForbiddenClassifiedAsAntiBot(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	adapter := New("yellowpages")
	sess, err := adapter.OpenSession(context.Background(), platformInfo(srv.URL), platform.SessionOptions{})
	require.NoError(t, err)

	_, err = sess.SearchBusinesses(context.Background(), []string{"pizza"}, "NY")
	var antiBot *task.AntiBotError
	require.ErrorAs(t, err, &antiBot)
	require.Equal(t, task.NotifyAntiBot, antiBot.Kind)
}

func TestSession_ExtractDetail(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/biz/ginos", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
			<span class="phone-full">555-0100 ext 2</span>
			<a class="site" href="https://ginos.example.com">site</a>
		</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	info := platformInfo(srv.URL)
	info.Selectors["detail_phone"] = ".phone-full"
	info.Selectors["detail_website"] = ".site"

	adapter := New("yellowpages")
	sess, err := adapter.OpenSession(context.Background(), info, platform.SessionOptions{})
	require.NoError(t, err)

	got, err := sess.ExtractDetail(context.Background(), task.Result{
		Name: "Gino's Pizza",
		URL:  srv.URL + "/biz/ginos",
	})
	require.NoError(t, err)
	require.Equal(t, "555-0100 ext 2", got.Phone)
	require.Equal(t, "https://ginos.example.com", got.Website)
}
