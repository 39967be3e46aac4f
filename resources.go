package rpm2sysvpkg

import (
	"path"
	"regexp"
	"sync"

	rice "github.com/GeertJohan/go.rice"
	"github.com/pkg/errors"
)

var (
	resourcesBox  *rice.Box
	resourcesOnce sync.Once
	resourcesErr  error
)

// openBoxes locates the embedded resources. For go.rice's embed and append modes to
// work, FindBox has to be called with a literal string.
func openBoxes() error {
	resourcesOnce.Do(func() {
		resourcesBox, resourcesErr = rice.FindBox("resources")
	})
	return resourcesErr
}

// GetResource returns the content of a file in the resources box.
func GetResource(name string) (string, error) {
	if err := openBoxes(); err != nil {
		return "", errors.Wrap(err, "resources")
	}
	text, err := resourcesBox.String(name)
	if err != nil {
		return "", errors.Errorf("resource %s not found", name)
	}
	return text, nil
}

// GetResourceFiltered returns the contents of all files directly inside dir whose path
// matches filter, indexed by their path inside the box.
func GetResourceFiltered(dir string, filter *regexp.Regexp) (map[string]string, error) {
	if err := openBoxes(); err != nil {
		return nil, errors.Wrap(err, "resources")
	}
	d, err := resourcesBox.Open(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resource directory %s", dir)
	}
	defer d.Close()
	infos, err := d.Readdir(-1)
	if err != nil {
		return nil, errors.Wrapf(err, "resource directory %s", dir)
	}
	files := make(map[string]string)
	for _, info := range infos {
		name := path.Join(dir, info.Name())
		if info.IsDir() || !filter.MatchString(name) {
			continue
		}
		text, err := resourcesBox.String(name)
		if err != nil {
			return nil, errors.Wrapf(err, "resource %s", name)
		}
		files[name] = text
	}
	return files, nil
}
