package contree

import (
	"github.com/rs/zerolog/log"

	"github.com/contree-dev/contree-broker/cache"
)

// recordLineage persists the parent/child edge produced by a successful
// operation into the general cache (kind "image"). Failed and cancelled
// operations leave no trace, and neither does a run whose output image equals
// its input (nothing new was created).
func (c *Client) recordLineage(handle *operationHandle, operation *OperationResponse) {
	if operation.Status != StatusSuccess || operation.Result == nil {
		return
	}
	resultImage := operation.Result.Image
	if resultImage == "" {
		return
	}

	switch handle.kind {
	case KindInstance:
		inputImage := handle.meta.inputImage
		if inputImage == "" || inputImage == resultImage {
			return
		}
		var parentID *int64
		parent, err := c.cache.Get(kindImage, inputImage, 0)
		if err != nil {
			log.Warn().Err(err).Str("image", inputImage).Msg("Could not look up parent image.")
		} else if parent != nil {
			parentID = &parent.ID
		}
		c.putLineage(resultImage, ImageLineage{
			ParentImage: inputImage,
			OperationID: handle.id,
			Command:     handle.meta.command,
		}, parentID)

	case KindImageImport:
		tag := operation.Result.Tag
		if tag == "" {
			tag = handle.meta.tag
		}
		c.putLineage(resultImage, ImageLineage{
			OperationID: handle.id,
			RegistryURL: handle.meta.registryURL,
			Tag:         tag,
			IsImport:    true,
		}, nil)
	}
}

func (c *Client) putLineage(image string, lineage ImageLineage, parentID *int64) {
	if _, err := c.cache.Put(kindImage, image, lineage, parentID); err != nil {
		log.Warn().Err(err).Str("image", image).Msg("Could not record image lineage.")
		return
	}
	log.Debug().
		Str("image", image).
		Str("parent", lineage.ParentImage).
		Bool("import", lineage.IsImport).
		Msg("Recorded image lineage.")
}

// ImageAncestry returns the recorded ancestors of an image, nearest first.
func (c *Client) ImageAncestry(imageUUID string, limit int) ([]*cache.Entry, error) {
	return c.cache.Ancestors(kindImage, imageUUID, limit)
}

// ImageDescendants returns the recorded descendants of an image.
func (c *Client) ImageDescendants(imageUUID string, limit int) ([]*cache.Entry, error) {
	return c.cache.Children(kindImage, imageUUID, limit)
}
