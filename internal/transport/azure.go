package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/dustin/go-humanize"

	"pkt.systems/harmonyd/internal/codegen"
)

// Azure uploads artifacts to a blob container. Credentials come from the
// URL's sas parameter, AZURE_STORAGE_SAS_TOKEN or AZURE_STORAGE_KEY.
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
	opts      Options
	ready     bool
}

func newAzure(u *url.URL, opts Options) (*Azure, error) {
	account := u.Host
	if account == "" {
		return nil, fmt.Errorf("transport: azure account required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("transport: azure requires an output directory")
	}
	container, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if container == "" {
		return nil, fmt.Errorf("transport: azure container required")
	}
	q := u.Query()
	endpoint := strings.TrimRight(q.Get("endpoint"), "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	sas := q.Get("sas")
	if sas == "" {
		sas = os.Getenv("AZURE_STORAGE_SAS_TOKEN")
	}
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: azureTransporter{rt: defaultTransport()}}}
	var (
		client *azblob.Client
		err    error
	)
	if sas != "" {
		withSAS, serr := appendSAS(endpoint, sas)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, clientOpts)
	} else {
		key := os.Getenv("AZURE_STORAGE_KEY")
		if key == "" {
			return nil, fmt.Errorf("transport: azure needs a sas token or AZURE_STORAGE_KEY")
		}
		cred, cerr := azblob.NewSharedKeyCredential(account, key)
		if cerr != nil {
			return nil, fmt.Errorf("transport: azure credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: azure client: %w", err)
	}
	return &Azure{client: client, container: container, prefix: strings.Trim(prefix, "/"), opts: opts}, nil
}

// Ship implements codegen.Shipper. The container is created on first use.
func (a *Azure) Ship(ctx context.Context, keys []codegen.Key) error {
	ctx, cancel := withTimeout(ctx, a.opts.Timeout)
	defer cancel()
	files, err := collect(a.opts, "azure", a.prefix, keys)
	if err != nil {
		return err
	}
	if len(files) > 0 && !a.ready {
		if _, err := a.client.CreateContainer(ctx, a.container, nil); err != nil && !isContainerExists(err) {
			return fmt.Errorf("transport: azure create container %s: %w", a.container, err)
		}
		a.ready = true
	}
	var total int64
	for _, f := range files {
		p, err := a.opts.open(f)
		if err != nil {
			return fmt.Errorf("transport: azure ship %s: %w", f.unit, err)
		}
		buf, err := io.ReadAll(p.body)
		_ = p.close()
		if err != nil {
			return fmt.Errorf("transport: azure ship %s: read %s: %w", f.unit, f.path, err)
		}
		_, err = a.client.UploadBuffer(ctx, a.container, p.object, buf, &azblob.UploadBufferOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(a.opts.contentType())},
		})
		if err != nil {
			return fmt.Errorf("transport: azure ship %s: upload %s: %w", f.unit, p.object, err)
		}
		total += int64(len(buf))
	}
	a.opts.Logger.Info("transport.azure.shipped", "container", a.container, "units", len(keys), "files", len(files), "size", humanize.Bytes(uint64(total)), "sealed", a.opts.Sealer != nil)
	return nil
}

// azureTransporter adapts an http.RoundTripper to the azcore pipeline.
type azureTransporter struct {
	rt http.RoundTripper
}

var _ policy.Transporter = azureTransporter{}

func (t azureTransporter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func appendSAS(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: azure endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}
